// internal/gateway/gateway.go
package gateway

import (
	"context"
	"errors"
	"time"

	"libradispatch/internal/failover"
	"libradispatch/internal/health"
	"libradispatch/internal/loan"
	"libradispatch/internal/logging"
	"libradispatch/internal/wire"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgReceived   = "received"
	msgBorrowDown = "borrow handler not responding (timeout)"
)

// Caller reaches the BORROW handler with one fallback.
type Caller interface {
	Call(ctx context.Context, primary, backup string, body []byte, timeout time.Duration) failover.Response
}

// Router hands asynchronous messages to their topic's consumer.
type Router interface {
	Route(topic string, body []byte) health.Outcome
}

// Gateway is the single entry point for client requests.
type Gateway struct {
	caller        Caller
	router        Router
	lenderPrimary string
	lenderBackup  string
	lenderTimeout time.Duration
	logger        logging.Logger
	tracer        trace.Tracer
}

// Option configures a Gateway.
type Option func(*Gateway) error

// WithLender sets the BORROW handler endpoints and per-attempt timeout.
func WithLender(primary, backup string, timeout time.Duration) Option {
	return func(g *Gateway) error {
		if primary == "" {
			return errors.New("empty lender endpoint")
		}
		g.lenderPrimary = primary
		g.lenderBackup = backup
		if timeout > 0 {
			g.lenderTimeout = timeout
		}
		return nil
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) error {
		g.tracer = tp.Tracer("libradispatch/gateway")
		return nil
	}
}

func New(caller Caller, router Router, options ...Option) (*Gateway, error) {
	if caller == nil || router == nil {
		return nil, errors.New("gateway needs a caller and a router")
	}
	g := &Gateway{
		caller:        caller,
		router:        router,
		lenderTimeout: 5 * time.Second,
		logger:        logging.Discard(),
		tracer:        otel.Tracer("libradispatch/gateway"),
	}
	for _, option := range options {
		if err := option(g); err != nil {
			return nil, err
		}
	}
	if g.lenderPrimary == "" {
		return nil, errors.New("no lender endpoint configured")
	}
	return g, nil
}

// Handle dispatches one raw request. BORROW is answered with the lender's reply;
// RETURN and RENEW are acknowledged at once and delivered asynchronously. The
// body is forwarded unchanged.
func (g *Gateway) Handle(ctx context.Context, body []byte) loan.Result {
	var op loan.Operation
	if err := wire.Unmarshal(body, &op); err != nil {
		return loan.Fail("%v", err)
	}
	kind, err := op.Kind()
	if err != nil {
		g.logger.Warn("unsupported op", "op", op.Op, "request_id", op.RequestID)
		return loan.Fail("%s", loan.ErrUnsupportedOp.Error())
	}

	ctx, span := g.tracer.Start(ctx, "gateway.handle",
		trace.WithAttributes(
			attribute.String("op", string(kind)),
			attribute.String("request.id", op.RequestID),
		),
	)
	defer span.End()

	if kind == loan.Borrow {
		resp := g.caller.Call(ctx, g.lenderPrimary, g.lenderBackup, body, g.lenderTimeout)
		if !resp.Delivered() {
			g.logger.Error("borrow handler unreachable", "request_id", op.RequestID, "error", errString(resp.Err))
			return loan.Fail(msgBorrowDown)
		}
		g.logger.Info("borrow handled", "request_id", op.RequestID, "endpoint", resp.Endpoint,
			"ok", resp.Result.OK, "msg", resp.Result.Msg)
		return resp.Result
	}

	outcome := g.router.Route(kind.Topic(), body)
	span.SetAttributes(attribute.String("route.outcome", outcome.String()))
	g.logger.Info("request accepted", "op", string(kind), "request_id", op.RequestID, "outcome", outcome.String())
	return loan.Done(msgReceived)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
