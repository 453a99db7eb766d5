// internal/lending/reconcile.go
package lending

import (
	"context"
	"log/slog"
	"time"

	"libralend/internal/inventory"
	"libralend/internal/observability"

	"github.com/google/uuid"
)

// Drift is an item whose counters disagree with its loan records: every
// copy should be either on the shelf or out on an outstanding loan.
type Drift struct {
	ItemID          uuid.UUID `json:"item_id"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	Outstanding     int       `json:"outstanding"`
	Delta           int       `json:"delta"`
}

// Reconciler compares the ledger with outstanding loans and reports items
// that drifted, for example after a failed release on return. It only
// reports; fixing counters is an administrator decision made through
// AdjustStock.
type Reconciler struct {
	store  Store
	ledger *inventory.Ledger
	logger *slog.Logger
}

func NewReconciler(store Store, ledger *inventory.Ledger, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, ledger: ledger, logger: observability.OrDefault(logger)}
}

// Check runs one pass and returns the drifted items.
func (r *Reconciler) Check(ctx context.Context) ([]Drift, error) {
	items, err := r.ledger.Items(ctx)
	if err != nil {
		return nil, err
	}
	loans, err := r.store.ListRequests(ctx, Filter{States: []State{StateOutstanding}})
	if err != nil {
		return nil, err
	}

	outstanding := make(map[uuid.UUID]int)
	for _, l := range loans {
		outstanding[l.ItemID]++
	}

	var drifts []Drift
	for _, item := range items {
		out := outstanding[item.ID]
		delta := item.AvailableCopies + out - item.TotalCopies
		observability.InventoryDrift.WithLabelValues(item.ID.String()).Set(float64(delta))
		if delta == 0 {
			continue
		}
		drifts = append(drifts, Drift{
			ItemID:          item.ID,
			TotalCopies:     item.TotalCopies,
			AvailableCopies: item.AvailableCopies,
			Outstanding:     out,
			Delta:           delta,
		})
		r.logger.WarnContext(ctx, "inventory drift",
			slog.String("item_id", item.ID.String()),
			slog.Int("total_copies", item.TotalCopies),
			slog.Int("available_copies", item.AvailableCopies),
			slog.Int("outstanding", out),
			slog.Int("delta", delta),
		)
	}
	return drifts, nil
}

// Start runs Check every interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Check(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reconcile failed", slog.String("error", err.Error()))
			}
		}
	}
}
