// internal/eventstore/eventstore.go

// Package eventstore keeps an append-only, per-aggregate versioned log of
// domain events.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"libralend/internal/observability"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Schema creates the events table used by EventStore. The unique
// (aggregate_id, version) pair is what finally rejects racing appends.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL,
	metadata JSONB,
	version INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (aggregate_id, version)
);`

const (
	eventColumns = `id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at`

	versionQuery = `SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`

	insertEvent = `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
)

// Postgres error codes that mean another writer got there first.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
)

// Event is one entry of an aggregate's log.
type Event struct {
	ID            int64             `json:"id"`
	AggregateID   uuid.UUID         `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	EventType     string            `json:"event_type"`
	EventData     json.RawMessage   `json:"event_data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Version       int               `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
}

// EventStore is the PostgreSQL-backed log.
type EventStore struct {
	db     *sql.DB
	tracer trace.Tracer
	now    func() time.Time
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("libralend/eventstore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendEvents appends events after expectedVersion in one transaction.
// The first event gets version expectedVersion+1. Any other writer that
// appended in between turns the whole batch into ErrConcurrencyConflict.
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) (err error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer func() { observability.EndSpan(span, err) }()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	current, err := currentVersion(ctx, tx, aggregateID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		span.SetAttributes(attribute.Int("actual.version", current))
		return fmt.Errorf("%w: %s %s is at version %d, expected %d",
			ErrConcurrencyConflict, aggregateType, aggregateID, current, expectedVersion)
	}

	if err := es.insert(ctx, tx, aggregateID, aggregateType, expectedVersion, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isWriteConflict(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (es *EventStore) insert(ctx context.Context, tx *sql.Tx, aggregateID uuid.UUID, aggregateType string, after int, events []Event) error {
	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	createdAt := es.now()
	for i, e := range events {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", e.EventType, err)
		}

		var id int64
		version := after + i + 1
		err = stmt.QueryRowContext(ctx, aggregateID, aggregateType, e.EventType, []byte(e.EventData), metadata, version, createdAt).Scan(&id)
		switch {
		case isWriteConflict(err):
			return ErrConcurrencyConflict
		case err != nil:
			return fmt.Errorf("insert %s at version %d: %w", e.EventType, version, err)
		}
	}
	return nil
}

func isWriteConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqUniqueViolation || pqErr.Code == pqSerializationFailure
}

func currentVersion(ctx context.Context, q rowQuerier, aggregateID uuid.UUID) (int, error) {
	var version int
	if err := q.QueryRowContext(ctx, versionQuery, aggregateID).Scan(&version); err != nil {
		return 0, fmt.Errorf("read version of %s: %w", aggregateID, err)
	}
	return version, nil
}

// LoadEvents returns the events of an aggregate with version in
// [fromVersion, toVersion]. A toVersion of 0 means no upper bound.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) (events []Event, err error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer func() { observability.EndSpan(span, err) }()

	query := `SELECT ` + eventColumns + ` FROM events WHERE aggregate_id = $1 AND version >= $2`
	args := []any{aggregateID, fromVersion}
	if toVersion > 0 {
		query += ` AND version <= $3`
		args = append(args, toVersion)
	}
	events, err = es.query(ctx, query+` ORDER BY version`, args...)
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, err
}

// GetCurrentVersion returns the latest version for an aggregate, 0 if it
// has no events.
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (version int, err error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer func() { observability.EndSpan(span, err) }()

	return currentVersion(ctx, es.db, aggregateID)
}

// StreamEvents pages through the whole log in append order: up to
// batchSize events with id greater than fromID.
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) (events []Event, err error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer func() { observability.EndSpan(span, err) }()

	events, err = es.query(ctx, `SELECT `+eventColumns+` FROM events WHERE id > $1 ORDER BY id LIMIT $2`, fromID, batchSize)
	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, err
}

func (es *EventStore) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		e              Event
		data, metadata []byte
	)
	if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &data, &metadata, &e.Version, &e.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.EventData = json.RawMessage(data)
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return Event{}, fmt.Errorf("decode metadata of event %d: %w", e.ID, err)
		}
	}
	return e, nil
}
