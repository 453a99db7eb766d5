package chaos

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"libralend/internal/clients"
	"libralend/internal/inventory"
	"libralend/internal/lending"
	"libralend/internal/store/memory"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() lending.Service {
	store := memory.New()
	return lending.NewService(store, inventory.NewLedger(store, nil))
}

func TestThreshold_Holds(t *testing.T) {
	tests := []struct {
		op   string
		v    float64
		want bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 1, true},
		{"<=", 1.5, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Threshold{Operator: tt.op, Value: 1}.Holds(tt.v), "%s %v", tt.op, tt.v)
	}
}

func TestEngine_AbortsOnInvalidSteadyState(t *testing.T) {
	injected := false
	exp := Experiment{
		Name: "broken",
		SteadyState: []Probe{
			{Name: "errors", Query: func(context.Context) (float64, error) { return 5, nil }, Threshold: Threshold{Operator: "<", Value: 1}},
			{Name: "down", Query: func(context.Context) (float64, error) { return 0, errors.New("unreachable") }, Threshold: Threshold{Operator: "==", Value: 0}},
		},
		Method: []Action{{Execute: func(context.Context) error { injected = true; return nil }}},
	}

	result, err := NewEngine(nil).Run(t.Context(), exp)
	require.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	assert.False(t, injected)
	require.Len(t, result.Violations, 2)
	assert.Equal(t, float64(-1), result.Violations[1].Actual)
}

func TestEngine_RecordsViolationsAndMTTR(t *testing.T) {
	var (
		mu     sync.Mutex
		values = []float64{0, 3, 3, 0}
	)
	probe := func(context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		v := values[0]
		if len(values) > 1 {
			values = values[1:]
		}
		return v, nil
	}
	rolledBack := false
	exp := Experiment{
		Name:        "flapping",
		SteadyState: []Probe{{Name: "lag", Query: probe, Threshold: Threshold{Operator: "==", Value: 0}}},
		Method:      []Action{{Target: "db", Execute: func(context.Context) error { return errors.New("injection failed") }}},
		Rollback:    []Action{{Execute: func(context.Context) error { rolledBack = true; return nil }}},
		Validation: []Assertion{
			{Probe: "lag", Condition: func(v float64) bool { return v == 0 }, Message: "lag recovers"},
			{Probe: "missing", Condition: func(float64) bool { return true }, Message: "unobserved probe fails"},
		},
		Duration: 100 * time.Millisecond,
		Interval: 10 * time.Millisecond,
	}

	e := NewEngine(nil)
	result, err := e.Run(t.Context(), exp)
	require.NoError(t, err)

	assert.True(t, rolledBack)
	assert.True(t, result.SteadyStateValid)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"unobserved probe fails"}, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "db", result.Errors[0].Component)
	assert.NotEmpty(t, result.Violations)
	assert.NotNil(t, result.MTTR)
	assert.Len(t, e.Results(), 1)
}

func TestExperiments_HoldAgainstService(t *testing.T) {
	e := NewEngine(nil)
	results := e.RunAll(t.Context(), Experiments(newService(), 16), 0)
	require.Len(t, results, 3)

	for _, r := range results {
		assert.True(t, r.HypothesisHeld, "%s failed: %v", r.Experiment, r.Failed)
		assert.Empty(t, r.Errors, r.Experiment)
	}

	var buf bytes.Buffer
	assert.True(t, Report(&buf, results))
	assert.Contains(t, buf.String(), "concurrent-issue-race")
	assert.Contains(t, buf.String(), "HELD")
}

func TestExperiments_HoldOverHTTP(t *testing.T) {
	router := chi.NewRouter()
	lending.NewHandler(newService(), 0, nil).Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	target := clients.NewLendingClient(srv.URL, nil)
	results := NewEngine(nil).RunAll(t.Context(), Experiments(target, 8), 0)
	for _, r := range results {
		assert.True(t, r.HypothesisHeld, "%s failed: %v", r.Experiment, r.Failed)
	}
}

// overbooking lends every request regardless of stock.
type overbooking struct {
	Target
}

func (o overbooking) DirectIssue(_ context.Context, borrowerID, itemID uuid.UUID) (*lending.LoanRequest, error) {
	return &lending.LoanRequest{ID: uuid.New(), BorrowerID: borrowerID, ItemID: itemID, State: lending.StateOutstanding}, nil
}

func (o overbooking) ReturnItem(context.Context, uuid.UUID) (*lending.LoanRequest, error) {
	return nil, lending.ErrNotOutstanding
}

func TestConcurrentIssueRace_DetectsOverbooking(t *testing.T) {
	result, err := NewEngine(nil).Run(t.Context(), ConcurrentIssueRace(overbooking{newService()}, 2, 6))
	require.NoError(t, err)

	assert.False(t, result.HypothesisHeld)
	assert.Contains(t, result.Failed, "every copy is lent exactly once")
	assert.NotEmpty(t, result.Violations)

	var buf bytes.Buffer
	assert.False(t, Report(&buf, []*Result{result}))
	assert.Contains(t, buf.String(), "VIOLATED")
}
