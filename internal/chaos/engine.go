// internal/chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"libradispatch/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrSteadyState = errors.New("steady state invalid - aborting experiment")

// Experiment is one failure-injection scenario.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	// Duration is the observation window while the fault is active.
	Duration time.Duration
	// Recovery is the observation window after rollback.
	Recovery time.Duration
}

// Metric is a measurable property of the running system.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether value satisfies the threshold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action injects or removes a fault.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion checks the last observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type Violation struct {
	Metric    string    `json:"metric"`
	Expected  float64   `json:"expected"`
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

// GameDay is a named series of experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer      trace.Tracer
	logger      logging.Logger
	sample      time.Duration
	pause       time.Duration
	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

type Option func(*Engine) error

func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) error {
		e.tracer = tp.Tracer("libradispatch/chaos")
		return nil
	}
}

// WithSampleInterval sets how often metrics are sampled while observing.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("sample interval must be positive, got %s", d)
		}
		e.sample = d
		return nil
	}
}

// WithPause sets the wait between game day experiments.
func WithPause(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("pause must not be negative, got %s", d)
		}
		e.pause = d
		return nil
	}
}

func NewEngine(options ...Option) (*Engine, error) {
	e := &Engine{
		tracer: otel.Tracer("libradispatch/chaos"),
		logger: logging.Discard(),
		sample: time.Second,
		pause:  30 * time.Second,
	}
	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

type recovery struct {
	violatedAt time.Time
	recovered  bool
}

// RunExperiment checks steady state, injects the fault, observes, rolls back,
// observes recovery and finally evaluates the assertions.
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	// Step 1: steady state
	span.AddEvent("validating_steady_state")
	if violations := e.steadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		return result, ErrSteadyState
	}
	result.SteadyStateValid = true

	// Step 2: inject
	span.AddEvent("injecting_chaos")
	e.runActions(ctx, span, exp.Method, result)

	// Step 3: observe under fault
	span.AddEvent("observing_system")
	var rec recovery
	e.observe(ctx, exp.SteadyState, exp.Duration, result, &rec)

	// Step 4: rollback
	span.AddEvent("rolling_back")
	e.runActions(ctx, span, exp.Rollback, result)

	// Step 5: observe recovery
	if exp.Recovery > 0 {
		span.AddEvent("observing_recovery")
		e.observe(ctx, exp.SteadyState, exp.Recovery, result, &rec)
	}

	// Step 6: assertions
	span.AddEvent("validating_assertions")
	result.FailedAssertions = e.validate(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, ctx.Err()
}

func (e *Engine) runActions(ctx context.Context, span trace.Span, actions []Action, result *Result) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
			e.logger.Warn("chaos action failed", "type", action.Type, "target", action.Target, "error", err.Error())
		}
	}
}

// observe samples every metric each tick and once more when the window closes.
func (e *Engine) observe(ctx context.Context, metrics []Metric, window time.Duration, result *Result, rec *recovery) {
	wctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ticker := time.NewTicker(e.sample)
	defer ticker.Stop()

	for {
		select {
		case <-wctx.Done():
			if ctx.Err() == nil {
				e.sampleAll(ctx, metrics, result, rec)
			}
			return
		case <-ticker.C:
			e.sampleAll(ctx, metrics, result, rec)
		}
	}
}

func (e *Engine) sampleAll(ctx context.Context, metrics []Metric, result *Result, rec *recovery) {
	now := time.Now()
	healthy := true
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: now, Error: err.Error(), Component: m.Name})
			continue
		}
		result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Timestamp: now, Value: value})
		if !m.Threshold.Holds(value) {
			healthy = false
			result.Violations = append(result.Violations, Violation{
				Metric:    m.Name,
				Expected:  m.Threshold.Value,
				Actual:    value,
				Timestamp: now,
			})
		}
	}

	switch {
	case !healthy && rec.violatedAt.IsZero():
		rec.violatedAt = now
	case healthy && !rec.violatedAt.IsZero() && !rec.recovered:
		mttr := now.Sub(rec.violatedAt)
		result.MTTR = &mttr
		rec.recovered = true
	}
}

func (e *Engine) steadyState(ctx context.Context, metrics []Metric) []Violation {
	var violations []Violation
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !m.Threshold.Holds(value) {
			violations = append(violations, Violation{
				Metric:    m.Name,
				Expected:  m.Threshold.Value,
				Actual:    value,
				Timestamp: time.Now(),
			})
		}
	}
	return violations
}

// validate returns the messages of the assertions that did not hold.
func (e *Engine) validate(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		points := result.Observations[a.Metric]
		if len(points) == 0 || !a.Condition(points[len(points)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// ExecuteGameDay runs every scenario in order and writes a summary of each to w.
// It returns the number of experiments whose hypothesis did not hold.
func (e *Engine) ExecuteGameDay(ctx context.Context, gd GameDay, w io.Writer) (int, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gd.Name)),
	)
	defer span.End()

	fmt.Fprintf(w, "Game day: %s (%s)\n", gd.Name, gd.Date.Format(time.RFC3339))
	failed := 0
	for i, exp := range gd.Scenarios {
		fmt.Fprintf(w, "\nExperiment %d/%d: %s\n", i+1, len(gd.Scenarios), exp.Name)
		fmt.Fprintf(w, "Hypothesis: %s\n", exp.Hypothesis)

		result, err := e.RunExperiment(ctx, exp)
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		if err != nil {
			failed++
			fmt.Fprintf(w, "Experiment aborted: %v\n", err)
			e.logger.Error("experiment aborted", "experiment", exp.Name, "error", err.Error())
			continue
		}
		if !result.HypothesisHeld {
			failed++
		}
		PrintResult(w, result)

		if i < len(gd.Scenarios)-1 && e.pause > 0 {
			select {
			case <-ctx.Done():
				return failed, ctx.Err()
			case <-time.After(e.pause):
			}
		}
	}
	return failed, nil
}

func PrintResult(w io.Writer, r *Result) {
	if r.HypothesisHeld {
		fmt.Fprintln(w, "Hypothesis held")
	} else {
		fmt.Fprintln(w, "Hypothesis violated")
		for _, msg := range r.FailedAssertions {
			fmt.Fprintf(w, "   - %s\n", msg)
		}
	}
	if len(r.Violations) > 0 {
		fmt.Fprintf(w, "Threshold violations while observing: %d\n", len(r.Violations))
	}
	for _, ev := range r.ErrorEvents {
		fmt.Fprintf(w, "   ! %s: %s\n", ev.Component, ev.Error)
	}
	if r.MTTR != nil {
		fmt.Fprintf(w, "MTTR: %s\n", r.MTTR.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Duration: %s\n", r.Duration.Round(time.Millisecond))
}
