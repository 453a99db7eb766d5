package lending_test

import (
	"context"
	"testing"
	"time"

	"libralend/internal/lending"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// TestWorkflow_Invariants drives random operation sequences over a few
// borrowers and items and checks, after every step, that counters stay in
// bounds, that each copy is either on the shelf or out on a loan, and that
// no pair holds two open records.
func TestWorkflow_Invariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		f := newFixture(t)

		borrowers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
		items := make([]uuid.UUID, 2)
		for i := range items {
			items[i] = f.stock(t, rapid.IntRange(0, 3).Draw(t, "copies"))
		}
		var requests []uuid.UUID

		pickRequest := func(t *rapid.T) (uuid.UUID, bool) {
			if len(requests) == 0 {
				return uuid.Nil, false
			}
			return rapid.SampledFrom(requests).Draw(t, "request"), true
		}

		t.Repeat(map[string]func(*rapid.T){
			"submit": func(t *rapid.T) {
				r, err := f.svc.SubmitRequest(ctx,
					rapid.SampledFrom(borrowers).Draw(t, "borrower"),
					rapid.SampledFrom(items).Draw(t, "item"))
				if err == nil {
					requests = append(requests, r.ID)
				}
			},
			"directIssue": func(t *rapid.T) {
				r, err := f.svc.DirectIssue(ctx,
					rapid.SampledFrom(borrowers).Draw(t, "borrower"),
					rapid.SampledFrom(items).Draw(t, "item"))
				if err == nil {
					requests = append(requests, r.ID)
				}
			},
			"approve": func(t *rapid.T) {
				if id, ok := pickRequest(t); ok {
					_, _ = f.svc.Approve(ctx, id)
				}
			},
			"reject": func(t *rapid.T) {
				if id, ok := pickRequest(t); ok {
					_, _ = f.svc.Reject(ctx, id)
				}
			},
			"return": func(t *rapid.T) {
				if id, ok := pickRequest(t); ok {
					f.clock.Advance(time.Duration(rapid.IntRange(0, 20).Draw(t, "days")) * day)
					_, _ = f.svc.ReturnItem(ctx, id)
				}
			},
			"restock": func(t *rapid.T) {
				item := rapid.SampledFrom(items).Draw(t, "item")
				cur, err := f.svc.GetItem(ctx, item)
				if err != nil {
					t.Fatalf("get item: %v", err)
				}
				_, _ = f.svc.AdjustStock(ctx, item, cur.TotalCopies+rapid.IntRange(0, 2).Draw(t, "extra"))
			},
			"": func(t *rapid.T) {
				checkInvariants(t, f, items)
			},
		})
	})
}

func checkInvariants(t *rapid.T, f *fixture, items []uuid.UUID) {
	ctx := context.Background()

	all, err := f.store.ListRequests(ctx, lending.Filter{})
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}

	type pair struct{ borrower, item uuid.UUID }
	open := make(map[pair]int)
	outstanding := make(map[uuid.UUID]int)
	for _, r := range all {
		if r.IsOpen() {
			open[pair{r.BorrowerID, r.ItemID}]++
		}
		if r.IsOutstanding() {
			outstanding[r.ItemID]++
		}
		if r.Fine < 0 {
			t.Fatalf("request %s has negative fine %d", r.ID, r.Fine)
		}
	}
	for p, n := range open {
		if n > 1 {
			t.Fatalf("borrower %s holds %d open records for item %s", p.borrower, n, p.item)
		}
	}

	for _, id := range items {
		item, err := f.svc.GetItem(ctx, id)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if item.AvailableCopies < 0 || item.AvailableCopies > item.TotalCopies {
			t.Fatalf("item %s out of bounds: total=%d available=%d", id, item.TotalCopies, item.AvailableCopies)
		}
		if item.AvailableCopies+outstanding[id] != item.TotalCopies {
			t.Fatalf("item %s: available %d + outstanding %d != total %d",
				id, item.AvailableCopies, outstanding[id], item.TotalCopies)
		}
	}
}
