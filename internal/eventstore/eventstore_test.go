package eventstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Message string `json:"message"`
}

func newEvent(t *testing.T, eventType, msg string) Event {
	t.Helper()
	data, err := json.Marshal(testEvent{Message: msg})
	require.NoError(t, err)
	return Event{EventType: eventType, EventData: data}
}

func newMockStore(t *testing.T) (*EventStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewEventStore(db), mock
}

var eventCols = []string{"id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at"}

func TestEventStore_AppendEvents(t *testing.T) {
	es, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE").WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	prep := mock.ExpectPrepare("INSERT INTO events")
	prep.ExpectQuery().
		WithArgs(id, "loan_request", "LoanIssued", sqlmock.AnyArg(), sqlmock.AnyArg(), 2, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	prep.ExpectQuery().
		WithArgs(id, "loan_request", "LoanReturned", sqlmock.AnyArg(), sqlmock.AnyArg(), 3, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectCommit()

	err := es.AppendEvents(context.Background(), id, "loan_request", 1, []Event{
		newEvent(t, "LoanIssued", "issued"),
		newEvent(t, "LoanReturned", "returned"),
	})
	assert.NoError(t, err)
}

func TestEventStore_AppendEventsVersionMismatch(t *testing.T) {
	es, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE").WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))
	mock.ExpectRollback()

	err := es.AppendEvents(context.Background(), id, "loan_request", 1, []Event{newEvent(t, "LoanIssued", "x")})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestEventStore_AppendEventsWriteConflicts(t *testing.T) {
	for name, code := range map[string]pq.ErrorCode{
		"unique violation":      "23505",
		"serialization failure": "40001",
	} {
		t.Run(name, func(t *testing.T) {
			es, mock := newMockStore(t)
			id := uuid.New()

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT COALESCE").WithArgs(id).
				WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
			mock.ExpectPrepare("INSERT INTO events").ExpectQuery().
				WillReturnError(&pq.Error{Code: code})
			mock.ExpectRollback()

			err := es.AppendEvents(context.Background(), id, "loan_request", 0, []Event{newEvent(t, "LoanRequested", "x")})
			assert.ErrorIs(t, err, ErrConcurrencyConflict)
		})
	}
}

func TestEventStore_AppendEventsOtherInsertErrorsAreWrapped(t *testing.T) {
	es, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE").WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectPrepare("INSERT INTO events").ExpectQuery().
		WillReturnError(&pq.Error{Code: "23502"})
	mock.ExpectRollback()

	err := es.AppendEvents(context.Background(), id, "loan_request", 0, []Event{newEvent(t, "LoanRequested", "x")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConcurrencyConflict)
	assert.Contains(t, err.Error(), "LoanRequested at version 1")
}

func TestEventStore_AppendEventsRejectsNegativeVersion(t *testing.T) {
	es, _ := newMockStore(t)
	err := es.AppendEvents(context.Background(), uuid.New(), "loan_request", -1, nil)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestEventStore_LoadEvents(t *testing.T) {
	es, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("AND version <= \\$3").
		WithArgs(id, 1, 2).
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow(1, id.String(), "loan_request", "LoanRequested", []byte(`{"message":"a"}`), []byte(`{"trace_id":"abc"}`), 1, now).
			AddRow(2, id.String(), "loan_request", "LoanIssued", []byte(`{"message":"b"}`), nil, 2, now))

	events, err := es.LoadEvents(context.Background(), id, 1, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "LoanRequested", events[0].EventType)
	assert.Equal(t, "abc", events[0].Metadata["trace_id"])
	assert.Nil(t, events[1].Metadata)
	assert.JSONEq(t, `{"message":"b"}`, string(events[1].EventData))
}

func TestEventStore_GetCurrentVersion(t *testing.T) {
	es, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT COALESCE").WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))

	v, err := es.GetCurrentVersion(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestEventStore_StreamEvents(t *testing.T) {
	es, mock := newMockStore(t)

	mock.ExpectQuery("WHERE id > \\$1").
		WithArgs(int64(10), 2).
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow(11, uuid.NewString(), "loan_request", "LoanIssued", []byte(`{}`), nil, 1, time.Now()))

	events, err := es.StreamEvents(context.Background(), 10, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(11), events[0].ID)
}

func TestMemoryStore_Versioning(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, m.AppendEvents(ctx, a, "loan_request", 0, []Event{newEvent(t, "LoanRequested", "1")}))
	require.NoError(t, m.AppendEvents(ctx, b, "loan_request", 0, []Event{newEvent(t, "LoanIssued", "2")}))
	require.NoError(t, m.AppendEvents(ctx, a, "loan_request", 1, []Event{
		newEvent(t, "LoanIssued", "3"),
		newEvent(t, "LoanReturned", "4"),
	}))

	assert.ErrorIs(t, m.AppendEvents(ctx, a, "loan_request", 1, []Event{newEvent(t, "x", "")}), ErrConcurrencyConflict)
	assert.ErrorIs(t, m.AppendEvents(ctx, a, "loan_request", -1, nil), ErrInvalidVersion)

	v, err := m.GetCurrentVersion(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	events, err := m.LoadEvents(ctx, a, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Version)
	assert.Equal(t, "LoanReturned", events[1].EventType)

	bounded, err := m.LoadEvents(ctx, a, 1, 1)
	require.NoError(t, err)
	assert.Len(t, bounded, 1)
}

func TestMemoryStore_StreamEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for i := range 5 {
		require.NoError(t, m.AppendEvents(ctx, uuid.New(), "loan_request", 0, []Event{newEvent(t, "LoanIssued", string(rune('a'+i)))}))
	}

	page, err := m.StreamEvents(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].ID)

	page, err = m.StreamEvents(ctx, page[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].ID)

	page, err = m.StreamEvents(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
