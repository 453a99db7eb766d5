// internal/store/postgres/postgres.go

// Package postgres persists loan requests and item counters in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"libralend/internal/eventstore"
	"libralend/internal/inventory"
	"libralend/internal/lending"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	_ lending.Store   = (*Store)(nil)
	_ inventory.Store = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id UUID PRIMARY KEY,
	total_copies INT NOT NULL CHECK (total_copies >= 0),
	available_copies INT NOT NULL CHECK (available_copies >= 0 AND available_copies <= total_copies),
	version INT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS loan_requests (
	id UUID PRIMARY KEY,
	item_id UUID NOT NULL,
	borrower_id UUID NOT NULL,
	state TEXT NOT NULL,
	requested_at TIMESTAMPTZ,
	issued_at TIMESTAMPTZ,
	due_at TIMESTAMPTZ,
	returned_at TIMESTAMPTZ,
	fine INT NOT NULL DEFAULT 0 CHECK (fine >= 0),
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS loan_requests_open_pair
	ON loan_requests (borrower_id, item_id)
	WHERE state IN ('pending', 'outstanding');

CREATE INDEX IF NOT EXISTS loan_requests_borrower ON loan_requests (borrower_id);
CREATE INDEX IF NOT EXISTS loan_requests_state ON loan_requests (state);
`

const uniqueViolation = "23505"

// Store implements lending.Store and inventory.Store over *sql.DB.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate creates the tables used by Store and the event store.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate lending schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, eventstore.Schema); err != nil {
		return fmt.Errorf("migrate event schema: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id uuid.UUID) (*inventory.Item, error) {
	var item inventory.Item
	err := s.db.QueryRowContext(ctx, `
		SELECT id, total_copies, available_copies, version, updated_at
		FROM items
		WHERE id = $1
	`, id).Scan(&item.ID, &item.TotalCopies, &item.AvailableCopies, &item.Version, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

func (s *Store) CreateItem(ctx context.Context, item *inventory.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, total_copies, available_copies, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.TotalCopies, item.AvailableCopies, item.Version, item.UpdatedAt)
	if isUniqueViolation(err) {
		return inventory.ErrItemExists
	}
	if err != nil {
		return fmt.Errorf("create item: %w", err)
	}
	return nil
}

func (s *Store) UpdateItem(ctx context.Context, item *inventory.Item, expectedVersion int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET total_copies = $1, available_copies = $2, version = $3, updated_at = $4
		WHERE id = $5 AND version = $6
	`, item.TotalCopies, item.AvailableCopies, item.Version, item.UpdatedAt, item.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n == 0 {
		return inventory.ErrVersionConflict
	}
	return nil
}

func (s *Store) ListItems(ctx context.Context) ([]*inventory.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total_copies, available_copies, version, updated_at
		FROM items
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*inventory.Item
	for rows.Next() {
		var item inventory.Item
		if err := rows.Scan(&item.ID, &item.TotalCopies, &item.AvailableCopies, &item.Version, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// CreateRequest relies on the loan_requests_open_pair index to refuse a
// second open record for a pair.
func (s *Store) CreateRequest(ctx context.Context, r *lending.LoanRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loan_requests
			(id, item_id, borrower_id, state, requested_at, issued_at, due_at, returned_at, fine, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.ItemID, r.BorrowerID, r.State.String(),
		nullTime(r.RequestedAt), nullTime(r.IssuedAt), nullTime(r.DueAt), nullTime(r.ReturnedAt),
		r.Fine, r.Version, r.CreatedAt)
	if isUniqueViolation(err) {
		return lending.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

const requestColumns = `id, item_id, borrower_id, state, requested_at, issued_at, due_at, returned_at, fine, version, created_at`

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*lending.LoanRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM loan_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lending.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func (s *Store) UpdateRequest(ctx context.Context, r *lending.LoanRequest, expectedVersion int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE loan_requests
		SET state = $1, issued_at = $2, due_at = $3, returned_at = $4, fine = $5, version = $6
		WHERE id = $7 AND version = $8
	`, r.State.String(), nullTime(r.IssuedAt), nullTime(r.DueAt), nullTime(r.ReturnedAt),
		r.Fine, r.Version, r.ID, expectedVersion)
	if isUniqueViolation(err) {
		return lending.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if n == 0 {
		if _, gerr := s.GetRequest(ctx, r.ID); errors.Is(gerr, lending.ErrRequestNotFound) {
			return lending.ErrRequestNotFound
		}
		return lending.ErrVersionConflict
	}
	return nil
}

func (s *Store) ListRequests(ctx context.Context, f lending.Filter) ([]*lending.LoanRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM loan_requests WHERE TRUE`
	var args []any
	if f.BorrowerID != uuid.Nil {
		args = append(args, f.BorrowerID)
		query += fmt.Sprintf(" AND borrower_id = $%d", len(args))
	}
	if f.ItemID != uuid.Nil {
		args = append(args, f.ItemID)
		query += fmt.Sprintf(" AND item_id = $%d", len(args))
	}
	if len(f.States) > 0 {
		names := make([]string, len(f.States))
		for i, st := range f.States {
			names[i] = st.String()
		}
		args = append(args, pq.Array(names))
		query += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []*lending.LoanRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*lending.LoanRequest, error) {
	var (
		r                                lending.LoanRequest
		state                            string
		requested, issued, due, returned pq.NullTime
	)
	if err := row.Scan(&r.ID, &r.ItemID, &r.BorrowerID, &state,
		&requested, &issued, &due, &returned,
		&r.Fine, &r.Version, &r.CreatedAt); err != nil {
		return nil, err
	}
	st, err := lending.ParseState(state)
	if err != nil {
		return nil, err
	}
	r.State = st
	r.RequestedAt = requested.Time
	r.IssuedAt = issued.Time
	r.DueAt = due.Time
	r.ReturnedAt = returned.Time
	return &r, nil
}

func nullTime(t time.Time) pq.NullTime {
	return pq.NullTime{Time: t, Valid: !t.IsZero()}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
