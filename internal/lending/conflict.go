// internal/lending/conflict.go
package lending

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ConflictGuard answers whether a borrower already holds an open request or
// loan for an item. The answer is only stable while the caller holds the
// (borrower, item) lock; see service.lockPair.
type ConflictGuard struct {
	store Store
}

// NewConflictGuard creates a guard reading from store.
func NewConflictGuard(store Store) *ConflictGuard {
	return &ConflictGuard{store: store}
}

// HasConflict reports whether a pending request or an unreturned loan
// exists for the pair. Rejected and returned records never count.
func (g *ConflictGuard) HasConflict(ctx context.Context, borrowerID, itemID uuid.UUID) (bool, error) {
	open, err := g.store.ListRequests(ctx, Filter{
		BorrowerID: borrowerID,
		ItemID:     itemID,
		States:     []State{StatePending, StateOutstanding},
	})
	if err != nil {
		return false, fmt.Errorf("check conflicts: %w", err)
	}
	for _, r := range open {
		if r.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}
