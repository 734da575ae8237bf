// internal/failover/caller.go
package failover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"libradispatch/internal/logging"
	"libradispatch/internal/loan"
	"libradispatch/internal/wire"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	rolePrimary = "primary"
	roleBackup  = "backup"

	// DefaultFailureMessage is returned when neither endpoint produced a reply.
	DefaultFailureMessage = "no endpoint responded (primary and backup)"
)

var (
	ErrEmptyEndpoint = errors.New("empty endpoint")
	ErrBadStatus     = errors.New("unexpected status code")
)

// Response is the outcome of a Call. Result is always usable.
type Response struct {
	Result   loan.Result
	Endpoint string
	Err      error
}

// Delivered reports whether some endpoint answered.
func (r Response) Delivered() bool { return r.Endpoint != "" }

// Caller sends one request to a primary endpoint and, failing that, once to a backup.
type Caller struct {
	logger   logging.Logger
	tracer   trace.Tracer
	attempts metric.Int64Counter
	failMsg  string
}

// Option configures a Caller.
type Option func(*Caller) error

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Caller) error {
		c.logger = logger
		return nil
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Caller) error {
		c.tracer = tp.Tracer("libradispatch/failover")
		return nil
	}
}

// WithFailureMessage sets the msg of the result returned when both endpoints fail.
func WithFailureMessage(msg string) Option {
	return func(c *Caller) error {
		if msg == "" {
			return errors.New("empty failure message")
		}
		c.failMsg = msg
		return nil
	}
}

func NewCaller(options ...Option) (*Caller, error) {
	attempts, err := otel.Meter("libradispatch/failover").Int64Counter("failover.attempts",
		metric.WithDescription("Request attempts per endpoint role and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	c := &Caller{
		logger:   logging.Discard(),
		tracer:   otel.Tracer("libradispatch/failover"),
		attempts: attempts,
		failMsg:  DefaultFailureMessage,
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Call posts body to primary and returns its decoded reply. On timeout, transport
// error, non-2xx status or an undecodable reply it tries backup once, if set.
// Call never fails: when nobody answers it returns a failed Result.
func (c *Caller) Call(ctx context.Context, primary, backup string, body []byte, timeout time.Duration) Response {
	ctx, span := c.tracer.Start(ctx, "failover.call",
		trace.WithAttributes(
			attribute.String("endpoint.primary", primary),
			attribute.String("endpoint.backup", backup),
		),
	)
	defer span.End()

	res, err := c.attempt(ctx, rolePrimary, primary, body, timeout)
	if err == nil {
		return Response{Result: res, Endpoint: primary}
	}
	c.logger.Warn("primary endpoint failed", "endpoint", primary, "error", err.Error())
	lastErr := err

	if backup != "" {
		res, err = c.attempt(ctx, roleBackup, backup, body, timeout)
		if err == nil {
			span.SetAttributes(attribute.Bool("failover.used", true))
			return Response{Result: res, Endpoint: backup}
		}
		c.logger.Warn("backup endpoint failed", "endpoint", backup, "error", err.Error())
		lastErr = err
	}

	span.SetStatus(codes.Error, "no endpoint responded")
	return Response{Result: loan.Fail("%s", c.failMsg), Err: lastErr}
}

// attempt performs one bounded exchange on a connection that is never reused.
func (c *Caller) attempt(ctx context.Context, role, endpoint string, body []byte, timeout time.Duration) (res loan.Result, err error) {
	ctx, span := c.tracer.Start(ctx, "failover.attempt",
		trace.WithAttributes(
			attribute.String("endpoint.role", role),
			attribute.String("endpoint.url", endpoint),
		),
	)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("outcome", outcome),
		))
		span.End()
	}()

	if endpoint == "" {
		return loan.Result{}, ErrEmptyEndpoint
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return loan.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return loan.Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return loan.Result{}, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	data, err := wire.ReadBody(resp.Body)
	if err != nil {
		return loan.Result{}, fmt.Errorf("read reply: %w", err)
	}
	if err := wire.Unmarshal(data, &res); err != nil {
		return loan.Result{}, err
	}
	return res, nil
}
