// internal/chaos/engine.go

// Package chaos runs fault drills against a lending deployment and checks
// that its invariants survive them.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"libralend/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrSteadyStateInvalid aborts an experiment whose target is already
// unhealthy before injection.
var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment is one drill.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Probe
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	// Duration is how long probes are sampled after injection. Zero takes a
	// single sample.
	Duration time.Duration
	Interval time.Duration
}

// Probe measures one property of the target.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether v satisfies the threshold. Unknown operators never
// hold.
func (t Threshold) Holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action injects a fault or undoes one.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion checks the last observed value of a probe after rollback.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

// Result captures one run.
type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	Violations       []Violation            `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	Errors           []ErrorEvent           `json:"errors"`
	Failed           []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type Violation struct {
	Probe     string    `json:"probe"`
	Expected  Threshold `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	results []Result
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("libralend/chaos"),
		logger: observability.OrDefault(logger),
		now:    time.Now,
	}
}

// Results returns every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes exp. The returned error is ErrSteadyStateInvalid when the
// target was unhealthy before injection; a failed hypothesis is reported
// in the Result, not as an error.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    e.now(),
		Observations: make(map[string][]DataPoint),
	}
	logger := e.logger.With(slog.String("experiment", exp.Name))

	span.AddEvent("validating_steady_state")
	if violations := e.steadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		result.EndTime = e.now()
		logger.WarnContext(ctx, "steady state invalid, experiment aborted", slog.Int("violations", len(violations)))
		return result, fmt.Errorf("%s: %w", exp.Name, ErrSteadyStateInvalid)
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting")
	e.execute(ctx, exp.Method, result, span)

	span.AddEvent("observing")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	e.execute(ctx, exp.Rollback, result, span)
	e.sample(ctx, exp.SteadyState, result, nil)

	span.AddEvent("validating_assertions")
	result.Failed = validate(exp.Validation, result)
	result.HypothesisHeld = len(result.Failed) == 0
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	logger.InfoContext(ctx, "experiment finished",
		slog.Bool("hypothesis_held", result.HypothesisHeld),
		slog.Int("violations", len(result.Violations)),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func (e *Engine) steadyState(ctx context.Context, probes []Probe) []Violation {
	var violations []Violation
	for _, p := range probes {
		v, err := p.Query(ctx)
		if err != nil || !p.Threshold.Holds(v) {
			if err != nil {
				v = -1
			}
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold, Actual: v, Timestamp: e.now()})
		}
	}
	return violations
}

func (e *Engine) execute(ctx context.Context, actions []Action, result *Result, span trace.Span) {
	for _, a := range actions {
		if err := a.Execute(ctx); err != nil {
			result.Errors = append(result.Errors, ErrorEvent{Timestamp: e.now(), Error: err.Error(), Component: a.Target})
			span.RecordError(err)
		}
	}
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	var recovery time.Time
	if exp.Duration <= 0 {
		e.sample(ctx, exp.SteadyState, result, &recovery)
		return
	}

	interval := exp.Interval
	if interval <= 0 {
		interval = time.Second
	}
	observeCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-observeCtx.Done():
			return
		case <-ticker.C:
			e.sample(ctx, exp.SteadyState, result, &recovery)
		}
	}
}

// sample records one observation per probe. When recovery is non-nil a
// threshold breach is a violation and the first value back inside the
// threshold sets the MTTR.
func (e *Engine) sample(ctx context.Context, probes []Probe, result *Result, recovery *time.Time) {
	for _, p := range probes {
		v, err := p.Query(ctx)
		now := e.now()
		if err != nil {
			result.Errors = append(result.Errors, ErrorEvent{Timestamp: now, Error: err.Error(), Component: p.Name})
			continue
		}
		result.Observations[p.Name] = append(result.Observations[p.Name], DataPoint{Timestamp: now, Value: v})
		if recovery == nil {
			continue
		}

		if !p.Threshold.Holds(v) {
			if recovery.IsZero() {
				*recovery = now
			}
			result.Violations = append(result.Violations, Violation{Probe: p.Name, Expected: p.Threshold, Actual: v, Timestamp: now})
		} else if !recovery.IsZero() && result.MTTR == nil {
			mttr := now.Sub(*recovery)
			result.MTTR = &mttr
		}
	}
}

func validate(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		points := result.Observations[a.Probe]
		if len(points) == 0 || !a.Condition(points[len(points)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// RunAll runs experiments in order, pausing between them. Aborted
// experiments are logged and skipped.
func (e *Engine) RunAll(ctx context.Context, experiments []Experiment, pause time.Duration) []*Result {
	ctx, span := e.tracer.Start(ctx, "chaos.drill",
		trace.WithAttributes(attribute.Int("experiments", len(experiments))),
	)
	defer span.End()

	var results []*Result
	for i, exp := range experiments {
		if i > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(pause):
			}
		}
		result, err := e.Run(ctx, exp)
		if err != nil {
			e.logger.ErrorContext(ctx, "experiment aborted",
				slog.String("experiment", exp.Name),
				slog.String("error", err.Error()),
			)
		}
		results = append(results, result)
	}
	return results
}

// Report writes a plain-text summary of results to w and reports whether
// every hypothesis held.
func Report(w io.Writer, results []*Result) bool {
	ok := true
	for _, r := range results {
		status := "HELD"
		switch {
		case !r.SteadyStateValid:
			status = "ABORTED"
			ok = false
		case !r.HypothesisHeld:
			status = "VIOLATED"
			ok = false
		}
		fmt.Fprintf(w, "%-32s %-8s duration=%s violations=%d errors=%d\n",
			r.Experiment, status, r.Duration.Round(time.Millisecond), len(r.Violations), len(r.Errors))
		for _, msg := range r.Failed {
			fmt.Fprintf(w, "    failed: %s\n", msg)
		}
		for _, v := range r.Violations {
			fmt.Fprintf(w, "    %s: expected %s %.2f, got %.2f\n", v.Probe, v.Expected.Operator, v.Expected.Value, v.Actual)
		}
		if r.MTTR != nil {
			fmt.Fprintf(w, "    mttr: %s\n", *r.MTTR)
		}
	}
	return ok
}
