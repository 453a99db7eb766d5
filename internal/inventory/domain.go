// internal/inventory/domain.go
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrItemNotFound    = errors.New("item not found")
	ErrItemExists      = errors.New("item is already stocked")
	ErrNoCopyAvailable = errors.New("no copy available")
	ErrReleaseOverflow = errors.New("release would exceed total copies")
	ErrInvalidTotal    = errors.New("total copies must not be negative")
	ErrInvariant       = errors.New("inventory invariant violated")
	ErrVersionConflict = errors.New("concurrency conflict: item version mismatch")
)

// Item holds the copy counters for one catalog item. Catalog metadata such
// as title and author lives elsewhere; the ledger only needs the counts.
type Item struct {
	ID              uuid.UUID `json:"id"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	Version         int       `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Valid reports whether 0 <= AvailableCopies <= TotalCopies.
func (i Item) Valid() bool {
	return i.TotalCopies >= 0 && i.AvailableCopies >= 0 && i.AvailableCopies <= i.TotalCopies
}

// Store persists item counters.
//
// UpdateItem must apply the write only when the stored version equals
// expectedVersion and return ErrVersionConflict otherwise.
type Store interface {
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	CreateItem(ctx context.Context, item *Item) error
	UpdateItem(ctx context.Context, item *Item, expectedVersion int) error
	ListItems(ctx context.Context) ([]*Item, error)
}
