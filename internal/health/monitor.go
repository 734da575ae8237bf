// internal/health/monitor.go
package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"libradispatch/internal/logging"
	"libradispatch/internal/wire"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 1500 * time.Millisecond
)

var ErrUnhealthy = errors.New("unhealthy reply")

var probeBody = []byte(`{"type":"health"}`)

// Monitor probes every consumer at a fixed interval and flips its liveness.
type Monitor struct {
	reg         *Registry
	interval    time.Duration
	timeout     time.Duration
	logger      logging.Logger
	tracer      trace.Tracer
	transitions metric.Int64Counter
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor) error

func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) error {
		if d <= 0 {
			return fmt.Errorf("interval must be positive, got %s", d)
		}
		m.interval = d
		return nil
	}
}

func WithTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		m.timeout = d
		return nil
	}
}

func WithLogger(logger logging.Logger) MonitorOption {
	return func(m *Monitor) error {
		m.logger = logger
		return nil
	}
}

func WithTracerProvider(tp trace.TracerProvider) MonitorOption {
	return func(m *Monitor) error {
		m.tracer = tp.Tracer("libradispatch/health")
		return nil
	}
}

func NewMonitor(reg *Registry, options ...MonitorOption) (*Monitor, error) {
	if reg == nil {
		return nil, errors.New("nil registry")
	}
	transitions, err := otel.Meter("libradispatch/health").Int64Counter("health.transitions",
		metric.WithDescription("Consumer liveness changes"))
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	m := &Monitor{
		reg:         reg,
		interval:    DefaultInterval,
		timeout:     DefaultTimeout,
		logger:      logging.Discard(),
		tracer:      otel.Tracer("libradispatch/health"),
		transitions: transitions,
	}
	for _, option := range options {
		if err := option(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			m.closeConns()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProbeOnce runs one probe cycle over every consumer, in order.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	for _, c := range m.reg.Consumers() {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, c)
	}
}

func (m *Monitor) check(ctx context.Context, c *Consumer) {
	ctx, span := m.tracer.Start(ctx, "health.probe",
		trace.WithAttributes(
			attribute.String("consumer", c.name),
			attribute.String("topic", c.topic),
		),
	)
	defer span.End()

	c.mu.Lock()
	client := c.probeClient()
	c.mu.Unlock()

	err := m.probe(ctx, client, c.healthURL)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.liveness
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.dropConn()
		c.liveness = Down
		if prev != Down {
			m.record(ctx, c, prev)
			m.logger.Warn("consumer down", "consumer", c.name, "topic", c.topic,
				"from", prev.String(), "error", err.Error())
		}
		return
	}

	c.liveness = Up
	if prev == Up {
		return
	}
	m.record(ctx, c, prev)
	flushed := 0
	if c.backlog.Len() > 0 {
		flushed = m.reg.flush(c)
	}
	span.SetAttributes(attribute.Int("backlog.flushed", flushed))
	m.logger.Info("consumer up", "consumer", c.name, "topic", c.topic,
		"from", prev.String(), "flushed", flushed)
}

func (m *Monitor) record(ctx context.Context, c *Consumer, prev Liveness) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("consumer", c.name),
		attribute.String("from", prev.String()),
		attribute.String("to", c.liveness.String()),
	))
}

// probe sends one health request over the consumer's probe connection.
func (m *Monitor) probe(ctx context.Context, client *http.Client, url string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(probeBody))
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := wire.ReadBody(resp.Body)
	if err != nil {
		return fmt.Errorf("read probe reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}
	var reply Reply
	if err := wire.Unmarshal(data, &reply); err != nil {
		return err
	}
	if reply.Type != TypeOK {
		return fmt.Errorf("%w: %q", ErrUnhealthy, reply.Type)
	}
	return nil
}

func (m *Monitor) closeConns() {
	for _, c := range m.reg.Consumers() {
		c.mu.Lock()
		c.dropConn()
		c.mu.Unlock()
	}
}
