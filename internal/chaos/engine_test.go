package chaos

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestEngine(t *testing.T, options ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(append([]Option{WithSampleInterval(10 * time.Millisecond), WithPause(0)}, options...)...)
	require.NoError(t, err)
	return e
}

func TestThresholdHolds(t *testing.T) {
	cases := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true}, {">", 1, false},
		{"<", 0, true}, {"<", 1, false},
		{">=", 1, true}, {"<=", 1, true},
		{"==", 1, true}, {"==", 2, false},
		{"!=", 1, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Threshold{Operator: c.op, Value: 1}.Holds(c.value), "%v %s 1", c.value, c.op)
	}
}

func TestRunExperimentRecordsRecovery(t *testing.T) {
	var broken atomic.Bool
	var rolledBack bool
	metric := Metric{
		Name: "errors",
		Query: func(context.Context) (float64, error) {
			if broken.Load() {
				return 3, nil
			}
			return 0, nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
	exp := Experiment{
		Name:        "toggle",
		SteadyState: []Metric{metric},
		Method:      []Action{{Target: "svc", Execute: func(context.Context) error { broken.Store(true); return nil }}},
		Rollback: []Action{{Target: "svc", Execute: func(context.Context) error {
			broken.Store(false)
			rolledBack = true
			return nil
		}}},
		Validation: []Assertion{{Metric: "errors", Condition: isZero, Message: "errors gone"}},
		Duration:   50 * time.Millisecond,
		Recovery:   50 * time.Millisecond,
	}

	sr := tracetest.NewSpanRecorder()
	e := newTestEngine(t, WithTracerProvider(trace.NewTracerProvider(trace.WithSpanProcessor(sr))))
	res, err := e.RunExperiment(context.Background(), exp)
	require.NoError(t, err)

	assert.True(t, rolledBack)
	assert.True(t, res.SteadyStateValid)
	assert.True(t, res.HypothesisHeld)
	assert.NotEmpty(t, res.Violations)
	require.NotNil(t, res.MTTR)
	assert.Len(t, e.Results(), 1)
	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, "chaos.run_experiment", sr.Ended()[0].Name())
}

func TestRunExperimentAbortsOnBadSteadyState(t *testing.T) {
	injected := false
	exp := Experiment{
		Name: "unsteady",
		SteadyState: []Metric{{
			Name:      "broken",
			Query:     func(context.Context) (float64, error) { return 0, errors.New("down") },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{{Execute: func(context.Context) error { injected = true; return nil }}},
	}

	res, err := newTestEngine(t).RunExperiment(context.Background(), exp)
	assert.ErrorIs(t, err, ErrSteadyState)
	assert.False(t, res.SteadyStateValid)
	assert.False(t, injected)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, float64(-1), res.Violations[0].Actual)
}

func TestRunExperimentFailedAssertionAndActionError(t *testing.T) {
	exp := Experiment{
		Name: "never-recovers",
		SteadyState: []Metric{{
			Name:      "value",
			Query:     func(context.Context) (float64, error) { return 5, nil },
			Threshold: Threshold{Operator: ">", Value: 0},
		}},
		Method:     []Action{{Target: "node-a", Execute: func(context.Context) error { return errors.New("cannot inject") }}},
		Validation: []Assertion{{Metric: "value", Condition: isZero, Message: "value should reach zero"}},
		Duration:   30 * time.Millisecond,
	}

	res, err := newTestEngine(t).RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.False(t, res.HypothesisHeld)
	assert.Equal(t, []string{"value should reach zero"}, res.FailedAssertions)
	require.NotEmpty(t, res.ErrorEvents)
	assert.Equal(t, "node-a", res.ErrorEvents[0].Component)
}

func TestExecuteGameDay(t *testing.T) {
	ok := Experiment{
		Name: "fine",
		SteadyState: []Metric{{
			Name:      "m",
			Query:     func(context.Context) (float64, error) { return 0, nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Validation: []Assertion{{Metric: "m", Condition: isZero, Message: "m"}},
		Duration:   20 * time.Millisecond,
	}
	bad := ok
	bad.Name = "aborts"
	bad.SteadyState = []Metric{{
		Name:      "m",
		Query:     func(context.Context) (float64, error) { return 1, nil },
		Threshold: Threshold{Operator: "==", Value: 0},
	}}

	e := newTestEngine(t)
	var out bytes.Buffer
	failed, err := e.ExecuteGameDay(context.Background(), GameDay{Name: "weekly", Date: time.Now(), Scenarios: []Experiment{ok, bad}}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Contains(t, out.String(), "Experiment 1/2: fine")
	assert.Contains(t, out.String(), "Hypothesis held")
	assert.Contains(t, out.String(), "Experiment aborted")
}

func TestEngineOptions(t *testing.T) {
	_, err := NewEngine(WithSampleInterval(0))
	assert.Error(t, err)
	_, err = NewEngine(WithPause(-time.Second))
	assert.Error(t, err)
}
