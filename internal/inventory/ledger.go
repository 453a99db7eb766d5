// internal/inventory/ledger.go

// Package inventory owns the total/available copy counters per catalog item.
// The Ledger is the only component allowed to change them.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"libralend/internal/lockmap"
	"libralend/internal/observability"

	"github.com/google/uuid"
)

// Ledger serializes every counter mutation for an item behind that item's
// lock, so check-and-decrement in Reserve is indivisible. Different items
// never share a lock.
type Ledger struct {
	store  Store
	locks  lockmap.KeyedMutex[uuid.UUID]
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger over store. A nil logger uses slog.Default().
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: observability.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Stock registers a new item with all copies available.
func (l *Ledger) Stock(ctx context.Context, id uuid.UUID, total int) (*Item, error) {
	if total < 0 {
		return nil, ErrInvalidTotal
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	item := &Item{
		ID:              id,
		TotalCopies:     total,
		AvailableCopies: total,
		Version:         1,
		UpdatedAt:       l.now(),
	}
	if err := l.store.CreateItem(ctx, item); err != nil {
		l.record("stock", err)
		return nil, fmt.Errorf("stock item %s: %w", id, err)
	}
	l.record("stock", nil)
	return item, nil
}

// Item returns a snapshot of the counters for id.
func (l *Ledger) Item(ctx context.Context, id uuid.UUID) (*Item, error) {
	return l.store.GetItem(ctx, id)
}

// Items returns snapshots of every stocked item.
func (l *Ledger) Items(ctx context.Context) ([]*Item, error) {
	return l.store.ListItems(ctx)
}

// Reserve takes one copy of id. It fails with ErrNoCopyAvailable, leaving
// the item untouched, when none is available.
func (l *Ledger) Reserve(ctx context.Context, id uuid.UUID) error {
	return l.mutate(ctx, id, "reserve", func(item Item) (Item, error) {
		if item.AvailableCopies <= 0 {
			return item, ErrNoCopyAvailable
		}
		item.AvailableCopies--
		return item, nil
	})
}

// Release gives one copy of id back. Releasing into a full shelf means the
// loan bookkeeping is wrong: the call fails with ErrReleaseOverflow and the
// counters stay as they are.
func (l *Ledger) Release(ctx context.Context, id uuid.UUID) error {
	err := l.mutate(ctx, id, "release", func(item Item) (Item, error) {
		if item.AvailableCopies >= item.TotalCopies {
			return item, ErrReleaseOverflow
		}
		item.AvailableCopies++
		return item, nil
	})
	if errors.Is(err, ErrReleaseOverflow) {
		observability.InventoryViolations.WithLabelValues("release_overflow").Inc()
		l.logger.ErrorContext(ctx, "release without matching reservation",
			slog.String("item_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// AdjustTotal sets the total copies of id, shifting available by the same
// delta and clamping it to [0, newTotal].
func (l *Ledger) AdjustTotal(ctx context.Context, id uuid.UUID, newTotal int) (*Item, error) {
	if newTotal < 0 {
		l.record("adjust", ErrInvalidTotal)
		return nil, ErrInvalidTotal
	}

	var adjusted Item
	err := l.mutate(ctx, id, "adjust", func(item Item) (Item, error) {
		delta := newTotal - item.TotalCopies
		item.TotalCopies = newTotal
		item.AvailableCopies = clamp(item.AvailableCopies+delta, 0, newTotal)
		adjusted = item
		return item, nil
	})
	if err != nil {
		return nil, err
	}
	return &adjusted, nil
}

// mutate loads id, applies fn and writes the result back, all under the
// item's lock. Results that break 0 <= available <= total are reported and
// never written.
func (l *Ledger) mutate(ctx context.Context, id uuid.UUID, op string, fn func(Item) (Item, error)) (err error) {
	defer func() { l.record(op, err) }()

	unlock := l.locks.Lock(id)
	defer unlock()

	current, err := l.store.GetItem(ctx, id)
	if err != nil {
		return fmt.Errorf("%s item %s: %w", op, id, err)
	}

	next, err := fn(*current)
	if err != nil {
		return fmt.Errorf("%s item %s: %w", op, id, err)
	}

	if !next.Valid() {
		observability.InventoryViolations.WithLabelValues("invariant").Inc()
		l.logger.ErrorContext(ctx, "rejected inventory mutation",
			slog.String("item_id", id.String()),
			slog.String("operation", op),
			slog.Int("total_copies", next.TotalCopies),
			slog.Int("available_copies", next.AvailableCopies),
		)
		return fmt.Errorf("%s item %s: %w", op, id, ErrInvariant)
	}

	next.Version = current.Version + 1
	next.UpdatedAt = l.now()
	if err := l.store.UpdateItem(ctx, &next, current.Version); err != nil {
		return fmt.Errorf("%s item %s: %w", op, id, err)
	}
	return nil
}

func (l *Ledger) record(op string, err error) {
	observability.LedgerOperations.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoCopyAvailable):
		return "unavailable"
	case errors.Is(err, ErrReleaseOverflow):
		return "overflow"
	case errors.Is(err, ErrItemNotFound):
		return "not_found"
	case errors.Is(err, ErrInvariant), errors.Is(err, ErrInvalidTotal):
		return "invalid"
	default:
		return "error"
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
