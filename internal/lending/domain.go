// internal/lending/domain.go
package lending

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConflict        = errors.New("borrower already has an open request or loan for this item")
	ErrItemUnavailable = errors.New("no copies of this item are available")
	ErrNotPending      = errors.New("request is not pending")
	ErrNotOutstanding  = errors.New("request is not an outstanding loan")
	ErrRequestNotFound = errors.New("loan request not found")
	ErrVersionConflict = errors.New("concurrency conflict: loan request version mismatch")
	ErrInvalidStatus   = errors.New("unknown request status")
)

// State is the lifecycle position of a LoanRequest. Request status and the
// returned flag are both derived from it, so a rejected request can never
// also be returned.
type State int

const (
	StatePending State = iota + 1
	StateOutstanding
	StateReturned
	StateRejected
)

var stateNames = map[State]string{
	StatePending:     "pending",
	StateOutstanding: "outstanding",
	StateReturned:    "returned",
	StateRejected:    "rejected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown loan state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("unknown loan state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateReturned || s == StateRejected
}

// Status is the request-level view of a State.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// ParseStatus accepts PENDING, APPROVED or REJECTED in any case.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusRejected:
		return StatusRejected, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// States lists the lifecycle states that carry this status.
func (s Status) States() []State {
	switch s {
	case StatusPending:
		return []State{StatePending}
	case StatusApproved:
		return []State{StateOutstanding, StateReturned}
	case StatusRejected:
		return []State{StateRejected}
	}
	return nil
}

// LoanRequest is a borrower's claim on one copy of an item, from request
// (or direct issue) through return.
type LoanRequest struct {
	ID          uuid.UUID `json:"id"`
	ItemID      uuid.UUID `json:"item_id"`
	BorrowerID  uuid.UUID `json:"borrower_id"`
	State       State     `json:"state"`
	RequestedAt time.Time `json:"requested_at,omitzero"`
	IssuedAt    time.Time `json:"issued_at,omitzero"`
	DueAt       time.Time `json:"due_at,omitzero"`
	ReturnedAt  time.Time `json:"returned_at,omitzero"`
	Fine        int       `json:"fine"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

// Status derives the request-level status from the lifecycle state.
func (r *LoanRequest) Status() Status {
	switch r.State {
	case StatePending:
		return StatusPending
	case StateOutstanding, StateReturned:
		return StatusApproved
	default:
		return StatusRejected
	}
}

// IsReturned reports whether the copy has come back.
func (r *LoanRequest) IsReturned() bool { return r.State == StateReturned }

// IsOutstanding reports whether the copy is currently out with the borrower.
func (r *LoanRequest) IsOutstanding() bool { return r.State == StateOutstanding }

// IsOpen reports whether the record blocks a new request for the same
// borrower and item.
func (r *LoanRequest) IsOpen() bool {
	return r.State == StatePending || r.State == StateOutstanding
}

// IsOverdue reports whether an outstanding loan is past due at now.
func (r *LoanRequest) IsOverdue(now time.Time) bool {
	return r.IsOutstanding() && r.DueAt.Before(now)
}

// MarshalJSON adds the derived status and is_returned fields.
func (r LoanRequest) MarshalJSON() ([]byte, error) {
	type plain LoanRequest
	return json.Marshal(struct {
		plain
		Status     Status `json:"status"`
		IsReturned bool   `json:"is_returned"`
	}{
		plain:      plain(r),
		Status:     r.Status(),
		IsReturned: r.IsReturned(),
	})
}

// newPendingRequest starts a record on the self-service path.
func newPendingRequest(borrowerID, itemID uuid.UUID, now time.Time) *LoanRequest {
	return &LoanRequest{
		ID:          uuid.New(),
		ItemID:      itemID,
		BorrowerID:  borrowerID,
		State:       StatePending,
		RequestedAt: now,
		Version:     1,
		CreatedAt:   now,
	}
}

// newIssuedLoan starts a record on the administrator direct-issue path. It
// enters the same state machine at Outstanding.
func newIssuedLoan(borrowerID, itemID uuid.UUID, now time.Time, loanPeriod time.Duration) *LoanRequest {
	r := &LoanRequest{
		ID:         uuid.New(),
		ItemID:     itemID,
		BorrowerID: borrowerID,
		Version:    1,
		CreatedAt:  now,
	}
	r.issue(now, loanPeriod)
	return r
}

func (r *LoanRequest) issue(now time.Time, loanPeriod time.Duration) {
	r.State = StateOutstanding
	r.IssuedAt = now
	r.DueAt = now.Add(loanPeriod)
}

func (r *LoanRequest) approve(now time.Time, loanPeriod time.Duration) error {
	if r.State != StatePending {
		return ErrNotPending
	}
	r.issue(now, loanPeriod)
	return nil
}

func (r *LoanRequest) reject() error {
	if r.State != StatePending {
		return ErrNotPending
	}
	r.State = StateRejected
	return nil
}

func (r *LoanRequest) markReturned(now time.Time, fine int) error {
	if r.State != StateOutstanding {
		return ErrNotOutstanding
	}
	r.State = StateReturned
	r.ReturnedAt = now
	r.Fine = fine
	return nil
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })
