package lending_test

import (
	"encoding/json"
	"testing"
	"time"

	"libralend/internal/lending"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_DerivedViews(t *testing.T) {
	tests := []struct {
		state       lending.State
		status      lending.Status
		returned    bool
		outstanding bool
		open        bool
		terminal    bool
	}{
		{lending.StatePending, lending.StatusPending, false, false, true, false},
		{lending.StateOutstanding, lending.StatusApproved, false, true, true, false},
		{lending.StateReturned, lending.StatusApproved, true, false, false, true},
		{lending.StateRejected, lending.StatusRejected, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			r := &lending.LoanRequest{State: tt.state}
			assert.Equal(t, tt.status, r.Status())
			assert.Equal(t, tt.returned, r.IsReturned())
			assert.Equal(t, tt.outstanding, r.IsOutstanding())
			assert.Equal(t, tt.open, r.IsOpen())
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, err := lending.ParseStatus(" approved ")
	require.NoError(t, err)
	assert.Equal(t, lending.StatusApproved, s)
	assert.Equal(t, []lending.State{lending.StateOutstanding, lending.StateReturned}, s.States())

	_, err = lending.ParseStatus("RETURNED")
	assert.ErrorIs(t, err, lending.ErrInvalidStatus)
}

func TestParseState(t *testing.T) {
	for _, s := range []lending.State{lending.StatePending, lending.StateOutstanding, lending.StateReturned, lending.StateRejected} {
		parsed, err := lending.ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := lending.ParseState("lost")
	assert.Error(t, err)
}

func TestLoanRequest_IsOverdue(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	r := &lending.LoanRequest{State: lending.StateOutstanding, DueAt: now.Add(-time.Hour)}
	assert.True(t, r.IsOverdue(now))

	r.DueAt = now.Add(time.Hour)
	assert.False(t, r.IsOverdue(now))

	r = &lending.LoanRequest{State: lending.StateReturned, DueAt: now.Add(-time.Hour)}
	assert.False(t, r.IsOverdue(now), "returned loans are never overdue")
}

func TestLoanRequest_MarshalJSON(t *testing.T) {
	r := lending.LoanRequest{
		ID:         uuid.New(),
		ItemID:     uuid.New(),
		BorrowerID: uuid.New(),
		State:      lending.StateReturned,
		Fine:       20,
		Version:    3,
	}

	raw, err := json.Marshal(&r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "returned", got["state"])
	assert.Equal(t, "APPROVED", got["status"])
	assert.Equal(t, true, got["is_returned"])
	assert.Equal(t, float64(20), got["fine"])
	assert.Equal(t, r.ID.String(), got["id"])

	var back lending.LoanRequest
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, lending.StateReturned, back.State)
	assert.Equal(t, r.BorrowerID, back.BorrowerID)
}

func TestFilter_Matches(t *testing.T) {
	borrower, item := uuid.New(), uuid.New()
	r := &lending.LoanRequest{BorrowerID: borrower, ItemID: item, State: lending.StatePending}

	assert.True(t, lending.Filter{}.Matches(r))
	assert.True(t, lending.Filter{BorrowerID: borrower, ItemID: item}.Matches(r))
	assert.False(t, lending.Filter{BorrowerID: uuid.New()}.Matches(r))
	assert.False(t, lending.Filter{ItemID: uuid.New()}.Matches(r))
	assert.True(t, lending.Filter{States: []lending.State{lending.StateOutstanding, lending.StatePending}}.Matches(r))
	assert.False(t, lending.Filter{States: []lending.State{lending.StateRejected}}.Matches(r))
}
