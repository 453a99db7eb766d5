// internal/lending/implementation.go
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"libralend/internal/inventory"
	"libralend/internal/lockmap"
	"libralend/internal/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type pairKey struct {
	borrower uuid.UUID
	item     uuid.UUID
}

// service implements the Service interface.
type service struct {
	store    Store
	ledger   *inventory.Ledger
	guard    *ConflictGuard
	events   EventStore
	notifier Notifier
	clock    Clock
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer

	pairLocks    lockmap.KeyedMutex[pairKey]
	requestLocks lockmap.KeyedMutex[uuid.UUID]
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *service) { s.logger = l } }

// NewService creates the lending workflow over store and ledger.
func NewService(store Store, ledger *inventory.Ledger, opts ...Option) Service {
	s := &service{
		store:    store,
		ledger:   ledger,
		guard:    NewConflictGuard(store),
		notifier: noopNotifier{},
		clock:    SystemClock,
		cfg:      DefaultConfig(),
		tracer:   otel.Tracer("libralend/lending"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrDefault(s.logger)
	return s
}

// SubmitRequest files a pending request. Availability is only a soft check
// here; Approve reserves the copy.
func (s *service) SubmitRequest(ctx context.Context, borrowerID, itemID uuid.UUID) (_ *LoanRequest, err error) {
	ctx, span := s.start(ctx, "lending.submit", pairAttrs(borrowerID, itemID)...)
	defer func() { s.finish(span, "submit", err) }()

	unlock := s.lockPair(borrowerID, itemID)
	defer unlock()

	if err := s.checkConflict(ctx, borrowerID, itemID); err != nil {
		return nil, err
	}

	item, err := s.ledger.Item(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("submit request: %w", err)
	}
	if item.AvailableCopies <= 0 {
		return nil, ErrItemUnavailable
	}

	req := newPendingRequest(borrowerID, itemID, s.clock.Now())
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	s.record(ctx, req, EventLoanRequested, "")
	s.logger.InfoContext(ctx, "loan requested",
		slog.String("request_id", req.ID.String()),
		slog.String("borrower_id", borrowerID.String()),
		slog.String("item_id", itemID.String()),
	)
	return req, nil
}

// DirectIssue lends a copy immediately, bypassing the request queue.
func (s *service) DirectIssue(ctx context.Context, borrowerID, itemID uuid.UUID) (_ *LoanRequest, err error) {
	ctx, span := s.start(ctx, "lending.direct_issue", pairAttrs(borrowerID, itemID)...)
	defer func() { s.finish(span, "direct_issue", err) }()

	unlock := s.lockPair(borrowerID, itemID)
	defer unlock()

	if err := s.checkConflict(ctx, borrowerID, itemID); err != nil {
		return nil, err
	}

	if err := s.reserve(ctx, itemID); err != nil {
		return nil, err
	}

	loan := newIssuedLoan(borrowerID, itemID, s.clock.Now(), s.cfg.LoanPeriod)
	if err := s.store.CreateRequest(ctx, loan); err != nil {
		s.compensate(ctx, itemID, "direct_issue")
		return nil, fmt.Errorf("create loan: %w", err)
	}

	s.record(ctx, loan, EventLoanIssued, "direct")
	s.notify(ctx, NotifyIssued, loan)
	s.logger.InfoContext(ctx, "loan issued",
		slog.String("request_id", loan.ID.String()),
		slog.String("borrower_id", borrowerID.String()),
		slog.String("item_id", itemID.String()),
		slog.Time("due_at", loan.DueAt),
	)
	return loan, nil
}

// Approve reserves a copy for a pending request. When the item is out of
// copies the request is rejected and ErrItemUnavailable returned.
func (s *service) Approve(ctx context.Context, requestID uuid.UUID) (_ *LoanRequest, err error) {
	ctx, span := s.start(ctx, "lending.approve", attribute.String("request.id", requestID.String()))
	defer func() { s.finish(span, "approve", err) }()

	unlock := s.requestLocks.Lock(requestID)
	defer unlock()

	req, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.State != StatePending {
		return nil, ErrNotPending
	}

	if err := s.reserve(ctx, req.ItemID); err != nil {
		if !errors.Is(err, ErrItemUnavailable) {
			return nil, err
		}
		next := *req
		if rerr := next.reject(); rerr != nil {
			return nil, rerr
		}
		if uerr := s.update(ctx, req, &next); uerr != nil {
			return nil, uerr
		}
		s.record(ctx, &next, EventLoanRejected, "no copy available")
		s.notify(ctx, NotifyRejected, &next)
		s.logger.InfoContext(ctx, "request auto-rejected",
			slog.String("request_id", requestID.String()),
			slog.String("item_id", req.ItemID.String()),
		)
		return nil, fmt.Errorf("approve request %s: %w", requestID, ErrItemUnavailable)
	}

	next := *req
	if err := next.approve(s.clock.Now(), s.cfg.LoanPeriod); err != nil {
		s.compensate(ctx, req.ItemID, "approve")
		return nil, err
	}
	if err := s.update(ctx, req, &next); err != nil {
		s.compensate(ctx, req.ItemID, "approve")
		return nil, err
	}

	s.record(ctx, &next, EventLoanIssued, "approved")
	s.notify(ctx, NotifyApproved, &next)
	s.logger.InfoContext(ctx, "request approved",
		slog.String("request_id", requestID.String()),
		slog.Time("due_at", next.DueAt),
	)
	return &next, nil
}

// Reject declines a pending request. Nothing was reserved for it, so the
// inventory is untouched.
func (s *service) Reject(ctx context.Context, requestID uuid.UUID) (_ *LoanRequest, err error) {
	ctx, span := s.start(ctx, "lending.reject", attribute.String("request.id", requestID.String()))
	defer func() { s.finish(span, "reject", err) }()

	unlock := s.requestLocks.Lock(requestID)
	defer unlock()

	req, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	next := *req
	if err := next.reject(); err != nil {
		return nil, err
	}
	if err := s.update(ctx, req, &next); err != nil {
		return nil, err
	}

	s.record(ctx, &next, EventLoanRejected, "declined")
	s.notify(ctx, NotifyRejected, &next)
	s.logger.InfoContext(ctx, "request rejected", slog.String("request_id", requestID.String()))
	return &next, nil
}

// ReturnItem closes an outstanding loan, charging the late fine and giving
// the copy back to the ledger. The return stands even if the release fails.
func (s *service) ReturnItem(ctx context.Context, requestID uuid.UUID) (_ *LoanRequest, err error) {
	ctx, span := s.start(ctx, "lending.return", attribute.String("request.id", requestID.String()))
	defer func() { s.finish(span, "return", err) }()

	unlock := s.requestLocks.Lock(requestID)
	defer unlock()

	req, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	next := *req
	if err := next.markReturned(now, ComputeFine(req.DueAt, now, s.cfg.FineRatePerDay)); err != nil {
		return nil, err
	}
	if err := s.update(ctx, req, &next); err != nil {
		return nil, err
	}

	if err := s.ledger.Release(ctx, next.ItemID); err != nil {
		observability.InventoryViolations.WithLabelValues("return_release").Inc()
		span.AddEvent("inventory.desync")
		s.logger.ErrorContext(ctx, "inventory desync on return",
			slog.String("request_id", requestID.String()),
			slog.String("item_id", next.ItemID.String()),
			slog.String("error", err.Error()),
		)
	}

	s.record(ctx, &next, EventLoanReturned, "")
	s.notify(ctx, NotifyReturned, &next)
	s.logger.InfoContext(ctx, "item returned",
		slog.String("request_id", requestID.String()),
		slog.Int("fine", next.Fine),
	)
	return &next, nil
}

func (s *service) StockItem(ctx context.Context, itemID uuid.UUID, totalCopies int) (_ *inventory.Item, err error) {
	ctx, span := s.start(ctx, "lending.stock_item", attribute.String("item.id", itemID.String()))
	defer func() { s.finish(span, "stock_item", err) }()

	return s.ledger.Stock(ctx, itemID, totalCopies)
}

// AdjustStock changes an item's total copies. Existing loan records are not
// touched.
func (s *service) AdjustStock(ctx context.Context, itemID uuid.UUID, newTotal int) (_ *inventory.Item, err error) {
	ctx, span := s.start(ctx, "lending.adjust_stock",
		attribute.String("item.id", itemID.String()),
		attribute.Int("total", newTotal),
	)
	defer func() { s.finish(span, "adjust_stock", err) }()

	item, err := s.ledger.AdjustTotal(ctx, itemID, newTotal)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "stock adjusted",
		slog.String("item_id", itemID.String()),
		slog.Int("total_copies", item.TotalCopies),
		slog.Int("available_copies", item.AvailableCopies),
	)
	return item, nil
}

func (s *service) GetItem(ctx context.Context, itemID uuid.UUID) (*inventory.Item, error) {
	return s.ledger.Item(ctx, itemID)
}

// lockPair makes the conflict check and the create that follows it one
// step for the pair. The store's own uniqueness check backs this up across
// processes.
func (s *service) lockPair(borrowerID, itemID uuid.UUID) func() {
	return s.pairLocks.Lock(pairKey{borrower: borrowerID, item: itemID})
}

func (s *service) checkConflict(ctx context.Context, borrowerID, itemID uuid.UUID) error {
	conflict, err := s.guard.HasConflict(ctx, borrowerID, itemID)
	if err != nil {
		return err
	}
	if conflict {
		return ErrConflict
	}
	return nil
}

func (s *service) reserve(ctx context.Context, itemID uuid.UUID) error {
	err := s.ledger.Reserve(ctx, itemID)
	if errors.Is(err, inventory.ErrNoCopyAvailable) {
		return ErrItemUnavailable
	}
	return err
}

// compensate gives back a copy reserved by a step that did not complete.
func (s *service) compensate(ctx context.Context, itemID uuid.UUID, op string) {
	s.logger.WarnContext(ctx, "compensating reservation",
		slog.String("operation", op),
		slog.String("item_id", itemID.String()),
	)
	if err := s.ledger.Release(ctx, itemID); err != nil {
		s.logger.ErrorContext(ctx, "failed to compensate reservation",
			slog.String("item_id", itemID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *service) load(ctx context.Context, id uuid.UUID) (*LoanRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}
	return req, nil
}

func (s *service) update(ctx context.Context, prev, next *LoanRequest) error {
	next.Version = prev.Version + 1
	if err := s.store.UpdateRequest(ctx, next, prev.Version); err != nil {
		return fmt.Errorf("update request %s: %w", next.ID, err)
	}
	return nil
}

func (s *service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *service) finish(span trace.Span, op string, err error) {
	observability.LendingOperations.WithLabelValues(op, outcome(err)).Inc()
	observability.EndSpan(span, err)
}

func pairAttrs(borrowerID, itemID uuid.UUID) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("borrower.id", borrowerID.String()),
		attribute.String("item.id", itemID.String()),
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrItemUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotPending):
		return "not_pending"
	case errors.Is(err, ErrNotOutstanding):
		return "not_outstanding"
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, inventory.ErrItemNotFound):
		return "not_found"
	default:
		return "error"
	}
}
