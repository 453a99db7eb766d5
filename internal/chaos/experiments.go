// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"libralend/internal/inventory"
	"libralend/internal/lending"

	"github.com/google/uuid"
)

// Target is the lending surface a drill drives. Both lending.Service and
// the HTTP client satisfy it.
type Target interface {
	StockItem(ctx context.Context, itemID uuid.UUID, totalCopies int) (*inventory.Item, error)
	GetItem(ctx context.Context, itemID uuid.UUID) (*inventory.Item, error)
	SubmitRequest(ctx context.Context, borrowerID, itemID uuid.UUID) (*lending.LoanRequest, error)
	DirectIssue(ctx context.Context, borrowerID, itemID uuid.UUID) (*lending.LoanRequest, error)
	Reject(ctx context.Context, requestID uuid.UUID) (*lending.LoanRequest, error)
	ReturnItem(ctx context.Context, requestID uuid.UUID) (*lending.LoanRequest, error)
}

// Experiments returns the standard drill set. Experiments keep state from
// their run, so build a fresh set for each drill.
func Experiments(target Target, concurrency int) []Experiment {
	return []Experiment{
		ConcurrentIssueRace(target, 3, concurrency),
		DuplicateRequestRace(target, concurrency),
		DuplicateReturnRace(target, concurrency),
	}
}

// drillItem tracks the item an experiment stocks and the records it
// created, so probes and rollback can see them.
type drillItem struct {
	target Target

	mu      sync.Mutex
	itemID  uuid.UUID
	copies  int
	granted []uuid.UUID
}

func (d *drillItem) stock(ctx context.Context) error {
	item, err := d.target.StockItem(ctx, uuid.New(), d.copies)
	if err != nil {
		return fmt.Errorf("stock drill item: %w", err)
	}
	d.mu.Lock()
	d.itemID = item.ID
	d.mu.Unlock()
	return nil
}

func (d *drillItem) item() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.itemID
}

func (d *drillItem) grant(id uuid.UUID) {
	d.mu.Lock()
	d.granted = append(d.granted, id)
	d.mu.Unlock()
}

func (d *drillItem) grantedIDs() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.granted...)
}

// violations counts bound breaches on the drill item. Zero before the item
// exists.
func (d *drillItem) violations(ctx context.Context) (float64, error) {
	id := d.item()
	if id == uuid.Nil {
		return 0, nil
	}
	item, err := d.target.GetItem(ctx, id)
	if err != nil {
		return 0, err
	}
	if item.Valid() {
		return 0, nil
	}
	return 1, nil
}

// shelfDeficit is how many copies are off the shelf.
func (d *drillItem) shelfDeficit(ctx context.Context) (float64, error) {
	id := d.item()
	if id == uuid.Nil {
		return 0, nil
	}
	item, err := d.target.GetItem(ctx, id)
	if err != nil {
		return 0, err
	}
	return float64(item.TotalCopies - item.AvailableCopies), nil
}

func (d *drillItem) grantedCount(context.Context) (float64, error) {
	return float64(len(d.grantedIDs())), nil
}

func (d *drillItem) returnAll(ctx context.Context) error {
	var errs []error
	for _, id := range d.grantedIDs() {
		if _, err := d.target.ReturnItem(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("return %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// burst runs fn from n goroutines at once.
func burst(n int, fn func(i int)) {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn(i)
		}()
	}
	close(start)
	wg.Wait()
}

// ConcurrentIssueRace issues an item with copies copies to borrowers
// distinct borrowers at once. Exactly copies loans may be granted and the
// shelf must be full again after every loan is returned.
func ConcurrentIssueRace(target Target, copies, borrowers int) Experiment {
	d := &drillItem{target: target, copies: copies}

	return Experiment{
		Name:       "concurrent-issue-race",
		Hypothesis: "The ledger never lends more copies than it holds when borrowers race for the same item",
		SteadyState: []Probe{
			{Name: "ledger_violations", Query: d.violations, Threshold: Threshold{Operator: "==", Value: 0}},
			{Name: "granted_loans", Query: d.grantedCount, Threshold: Threshold{Operator: "<=", Value: float64(copies)}},
			{Name: "shelf_deficit", Query: d.shelfDeficit, Threshold: Threshold{Operator: "<=", Value: float64(copies)}},
		},
		Method: []Action{
			{Type: "stock", Target: "inventory", Execute: d.stock},
			{
				Type:   "concurrent-requests",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					item := d.item()
					if item == uuid.Nil {
						return errors.New("drill item was not stocked")
					}
					burst(borrowers, func(int) {
						if loan, err := target.DirectIssue(ctx, uuid.New(), item); err == nil {
							d.grant(loan.ID)
						}
					})
					return nil
				},
			},
		},
		Rollback: []Action{
			{Type: "return-loans", Target: "lending", Execute: d.returnAll},
		},
		Validation: []Assertion{
			{Probe: "ledger_violations", Condition: func(v float64) bool { return v == 0 }, Message: "available copies stay within [0, total]"},
			{Probe: "granted_loans", Condition: func(v float64) bool { return v == float64(min(copies, borrowers)) }, Message: "every copy is lent exactly once"},
			{Probe: "shelf_deficit", Condition: func(v float64) bool { return v == 0 }, Message: "all copies are back on the shelf after returns"},
		},
	}
}

// DuplicateRequestRace submits the same borrower/item request from many
// goroutines. Only one may be accepted.
func DuplicateRequestRace(target Target, attempts int) Experiment {
	d := &drillItem{target: target, copies: 1}

	return Experiment{
		Name:       "duplicate-request-race",
		Hypothesis: "A borrower holds at most one open request per item under concurrent submissions",
		SteadyState: []Probe{
			{Name: "open_requests", Query: d.grantedCount, Threshold: Threshold{Operator: "<=", Value: 1}},
		},
		Method: []Action{
			{Type: "stock", Target: "inventory", Execute: d.stock},
			{
				Type:   "concurrent-requests",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					item, borrower := d.item(), uuid.New()
					if item == uuid.Nil {
						return errors.New("drill item was not stocked")
					}
					burst(attempts, func(int) {
						if req, err := target.SubmitRequest(ctx, borrower, item); err == nil {
							d.grant(req.ID)
						}
					})
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "reject-requests",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					var errs []error
					for _, id := range d.grantedIDs() {
						if _, err := target.Reject(ctx, id); err != nil {
							errs = append(errs, err)
						}
					}
					return errors.Join(errs...)
				},
			},
		},
		Validation: []Assertion{
			{Probe: "open_requests", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one concurrent submission is accepted"},
		},
	}
}

// DuplicateReturnRace returns the same loan from many goroutines. The copy
// must be released exactly once.
func DuplicateReturnRace(target Target, attempts int) Experiment {
	d := &drillItem{target: target, copies: 1}
	var (
		mu       sync.Mutex
		accepted int
	)
	acceptedCount := func(context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		return float64(accepted), nil
	}

	return Experiment{
		Name:       "duplicate-return-race",
		Hypothesis: "Returning a loan twice never releases a copy twice",
		SteadyState: []Probe{
			{Name: "ledger_violations", Query: d.violations, Threshold: Threshold{Operator: "==", Value: 0}},
			{Name: "accepted_returns", Query: acceptedCount, Threshold: Threshold{Operator: "<=", Value: 1}},
			{Name: "shelf_deficit", Query: d.shelfDeficit, Threshold: Threshold{Operator: "<=", Value: 1}},
		},
		Method: []Action{
			{Type: "stock", Target: "inventory", Execute: d.stock},
			{
				Type:   "concurrent-returns",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					loan, err := target.DirectIssue(ctx, uuid.New(), d.item())
					if err != nil {
						return fmt.Errorf("issue drill loan: %w", err)
					}
					burst(attempts, func(int) {
						if _, err := target.ReturnItem(ctx, loan.ID); err == nil {
							mu.Lock()
							accepted++
							mu.Unlock()
						}
					})
					return nil
				},
			},
		},
		Validation: []Assertion{
			{Probe: "ledger_violations", Condition: func(v float64) bool { return v == 0 }, Message: "available copies stay within [0, total]"},
			{Probe: "accepted_returns", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one return is accepted"},
			{Probe: "shelf_deficit", Condition: func(v float64) bool { return v == 0 }, Message: "the copy is back on the shelf"},
		},
	}
}
