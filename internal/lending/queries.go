// internal/lending/queries.go
package lending

import (
	"context"
	"encoding/json"
	"fmt"

	"libralend/internal/eventstore"

	"github.com/google/uuid"
)

func (s *service) Get(ctx context.Context, requestID uuid.UUID) (*LoanRequest, error) {
	return s.load(ctx, requestID)
}

func (s *service) ListByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]*LoanRequest, error) {
	return s.store.ListRequests(ctx, Filter{BorrowerID: borrowerID})
}

func (s *service) ListByStatus(ctx context.Context, status Status) ([]*LoanRequest, error) {
	states := status.States()
	if states == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.store.ListRequests(ctx, Filter{States: states})
}

// ListOverdue returns outstanding loans whose due date has passed.
func (s *service) ListOverdue(ctx context.Context) ([]OverdueLoan, error) {
	outstanding, err := s.store.ListRequests(ctx, Filter{States: []State{StateOutstanding}})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var overdue []OverdueLoan
	for _, r := range outstanding {
		if !r.IsOverdue(now) {
			continue
		}
		overdue = append(overdue, OverdueLoan{
			LoanRequest: r,
			DaysOverdue: max(daysBetween(r.DueAt, now), 0),
			AccruedFine: ComputeFine(r.DueAt, now, s.cfg.FineRatePerDay),
		})
	}
	return overdue, nil
}

// BorrowerSummary counts a borrower's records by state. TotalFine is what
// was charged on returns; PendingFine is what the open overdue loans would
// cost if returned now.
func (s *service) BorrowerSummary(ctx context.Context, borrowerID uuid.UUID) (*BorrowerSummary, error) {
	records, err := s.store.ListRequests(ctx, Filter{BorrowerID: borrowerID})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sum := &BorrowerSummary{BorrowerID: borrowerID}
	for _, r := range records {
		switch r.State {
		case StatePending:
			sum.Pending++
		case StateRejected:
			sum.Rejected++
		case StateOutstanding:
			sum.TotalIssued++
			sum.Active++
			if r.IsOverdue(now) {
				sum.Overdue++
				sum.PendingFine += ComputeFine(r.DueAt, now, s.cfg.FineRatePerDay)
			}
		case StateReturned:
			sum.TotalIssued++
			sum.Returned++
			sum.TotalFine += r.Fine
		}
	}
	return sum, nil
}

// History returns the activity log of one request, oldest first.
func (s *service) History(ctx context.Context, requestID uuid.UUID) ([]eventstore.Event, error) {
	if _, err := s.load(ctx, requestID); err != nil {
		return nil, err
	}
	if s.events == nil {
		return nil, nil
	}
	return s.events.LoadEvents(ctx, requestID, 1, 0)
}

// Activity pages through the activity log of every request.
func (s *service) Activity(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error) {
	if s.events == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.events.StreamEvents(ctx, afterID, limit)
}

func marshalWith(r *LoanRequest, extra map[string]any) ([]byte, error) {
	base, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}
