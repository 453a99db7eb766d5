// internal/lending/service.go

// Package lending drives loan requests from submission to return and keeps
// item stock in step with them.
package lending

import (
	"context"
	"time"

	"libralend/internal/eventstore"
	"libralend/internal/inventory"

	"github.com/google/uuid"
)

// Service defines the lending workflow: the state machine over loan
// requests plus the read projections built on them.
type Service interface {
	SubmitRequest(ctx context.Context, borrowerID, itemID uuid.UUID) (*LoanRequest, error)
	DirectIssue(ctx context.Context, borrowerID, itemID uuid.UUID) (*LoanRequest, error)
	Approve(ctx context.Context, requestID uuid.UUID) (*LoanRequest, error)
	Reject(ctx context.Context, requestID uuid.UUID) (*LoanRequest, error)
	ReturnItem(ctx context.Context, requestID uuid.UUID) (*LoanRequest, error)

	StockItem(ctx context.Context, itemID uuid.UUID, totalCopies int) (*inventory.Item, error)
	AdjustStock(ctx context.Context, itemID uuid.UUID, newTotal int) (*inventory.Item, error)
	GetItem(ctx context.Context, itemID uuid.UUID) (*inventory.Item, error)

	Get(ctx context.Context, requestID uuid.UUID) (*LoanRequest, error)
	ListByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]*LoanRequest, error)
	ListByStatus(ctx context.Context, status Status) ([]*LoanRequest, error)
	ListOverdue(ctx context.Context) ([]OverdueLoan, error)
	BorrowerSummary(ctx context.Context, borrowerID uuid.UUID) (*BorrowerSummary, error)
	History(ctx context.Context, requestID uuid.UUID) ([]eventstore.Event, error)
	Activity(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error)
}

// Config holds the workflow policy values.
type Config struct {
	LoanPeriod     time.Duration
	FineRatePerDay int
}

// DefaultConfig is a seven day loan at 10 per late day.
func DefaultConfig() Config {
	return Config{LoanPeriod: DefaultLoanPeriod, FineRatePerDay: DefaultFineRatePerDay}
}

// OverdueLoan is an outstanding loan past its due date, with the fine it
// would carry if returned now.
type OverdueLoan struct {
	*LoanRequest
	DaysOverdue int `json:"days_overdue"`
	AccruedFine int `json:"accrued_fine"`
}

// MarshalJSON keeps the embedded request's fields alongside the overdue
// figures.
func (o OverdueLoan) MarshalJSON() ([]byte, error) {
	return marshalWith(o.LoanRequest, map[string]any{
		"days_overdue": o.DaysOverdue,
		"accrued_fine": o.AccruedFine,
	})
}

// BorrowerSummary aggregates one borrower's records.
type BorrowerSummary struct {
	BorrowerID  uuid.UUID `json:"borrower_id"`
	TotalIssued int       `json:"total_issued"`
	Active      int       `json:"active"`
	Returned    int       `json:"returned"`
	Pending     int       `json:"pending"`
	Rejected    int       `json:"rejected"`
	Overdue     int       `json:"overdue"`
	TotalFine   int       `json:"total_fine"`
	PendingFine int       `json:"pending_fine"`
}

// Option configures the service.
type Option func(*service)

func WithClock(c Clock) Option { return func(s *service) { s.clock = c } }

func WithNotifier(n Notifier) Option { return func(s *service) { s.notifier = n } }

func WithEventStore(es EventStore) Option { return func(s *service) { s.events = es } }

// WithConfig overrides the policy values that are set. A zero field keeps
// its default; use WithFineRate to turn fines off.
func WithConfig(cfg Config) Option {
	return func(s *service) {
		if cfg.LoanPeriod > 0 {
			s.cfg.LoanPeriod = cfg.LoanPeriod
		}
		if cfg.FineRatePerDay > 0 {
			s.cfg.FineRatePerDay = cfg.FineRatePerDay
		}
	}
}

// WithFineRate sets the fine per late day. Zero disables fines; negative
// rates are ignored.
func WithFineRate(perDay int) Option {
	return func(s *service) {
		if perDay >= 0 {
			s.cfg.FineRatePerDay = perDay
		}
	}
}
