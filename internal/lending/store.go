// internal/lending/store.go
package lending

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// Filter selects loan requests. Zero fields match everything.
type Filter struct {
	BorrowerID uuid.UUID
	ItemID     uuid.UUID
	States     []State
}

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r *LoanRequest) bool {
	if f.BorrowerID != uuid.Nil && r.BorrowerID != f.BorrowerID {
		return false
	}
	if f.ItemID != uuid.Nil && r.ItemID != f.ItemID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	return true
}

// Store persists loan requests.
//
// CreateRequest returns ErrConflict when the record is open and another open
// record exists for the same borrower and item. UpdateRequest applies the
// write only when the stored version equals expectedVersion and returns
// ErrVersionConflict otherwise. ListRequests returns records in creation
// order.
type Store interface {
	CreateRequest(ctx context.Context, r *LoanRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*LoanRequest, error)
	UpdateRequest(ctx context.Context, r *LoanRequest, expectedVersion int) error
	ListRequests(ctx context.Context, f Filter) ([]*LoanRequest, error)
}
