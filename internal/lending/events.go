// internal/lending/events.go
package lending

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"libralend/internal/eventstore"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const aggregateType = "loan_request"

// Activity log event types.
const (
	EventLoanRequested = "LoanRequested"
	EventLoanIssued    = "LoanIssued"
	EventLoanRejected  = "LoanRejected"
	EventLoanReturned  = "LoanReturned"
)

// LoanEvent is the payload stored for every lifecycle transition.
type LoanEvent struct {
	RequestID  uuid.UUID `json:"request_id"`
	BorrowerID uuid.UUID `json:"borrower_id"`
	ItemID     uuid.UUID `json:"item_id"`
	State      State     `json:"state"`
	DueAt      time.Time `json:"due_at,omitzero"`
	Fine       int       `json:"fine,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventStore is the activity log the workflow writes to.
type EventStore interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []eventstore.Event) error
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]eventstore.Event, error)
	GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
	StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]eventstore.Event, error)
}

// Notification kinds.
const (
	NotifyIssued   = "issued"
	NotifyApproved = "approved"
	NotifyRejected = "rejected"
	NotifyReturned = "returned"
)

// Notification tells a borrower about a change to one of their requests.
type Notification struct {
	Kind       string    `json:"kind"`
	RequestID  uuid.UUID `json:"request_id"`
	BorrowerID uuid.UUID `json:"borrower_id"`
	ItemID     uuid.UUID `json:"item_id"`
	DueAt      time.Time `json:"due_at,omitzero"`
	Fine       int       `json:"fine,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier receives borrower notifications. Implementations must not block
// the caller for long; the workflow calls Notify after the transition is
// already committed.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) {}

// record appends the transition of r to the activity log. The log is
// informational: a failed append is logged and never undoes the transition.
func (s *service) record(ctx context.Context, r *LoanRequest, eventType, reason string) {
	if s.events == nil {
		return
	}

	payload, err := json.Marshal(LoanEvent{
		RequestID:  r.ID,
		BorrowerID: r.BorrowerID,
		ItemID:     r.ItemID,
		State:      r.State,
		DueAt:      r.DueAt,
		Fine:       r.Fine,
		Reason:     reason,
		OccurredAt: s.clock.Now(),
	})
	if err == nil {
		err = s.appendEvent(ctx, r.ID, eventstore.Event{
			EventType: eventType,
			EventData: payload,
			Metadata:  traceMetadata(ctx),
		})
	}
	if err != nil {
		s.logger.WarnContext(ctx, "failed to record loan event",
			slog.String("request_id", r.ID.String()),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (s *service) appendEvent(ctx context.Context, id uuid.UUID, e eventstore.Event) error {
	version, err := s.events.GetCurrentVersion(ctx, id)
	if err != nil {
		return err
	}
	if err := s.events.AppendEvents(ctx, id, aggregateType, version, []eventstore.Event{e}); err != nil {
		return fmt.Errorf("append %s: %w", e.EventType, err)
	}
	return nil
}

func (s *service) notify(ctx context.Context, kind string, r *LoanRequest) {
	s.notifier.Notify(ctx, Notification{
		Kind:       kind,
		RequestID:  r.ID,
		BorrowerID: r.BorrowerID,
		ItemID:     r.ItemID,
		DueAt:      r.DueAt,
		Fine:       r.Fine,
		OccurredAt: s.clock.Now(),
	})
}

func traceMetadata(ctx context.Context) map[string]string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return map[string]string{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}
}
