// internal/lender/lender.go
package lender

import (
	"context"
	"errors"
	"strings"
	"time"

	"libradispatch/internal/failover"
	"libradispatch/internal/loan"
	"libradispatch/internal/logging"
	"libradispatch/internal/wire"
)

// FailureMessage is the msg returned when no storage node answered.
const FailureMessage = "no storage node responded (primary and backup)"

// Caller reaches a storage node with one fallback.
type Caller interface {
	Call(ctx context.Context, primary, backup string, body []byte, timeout time.Duration) failover.Response
}

// Lender serves BORROW requests by forwarding them to storage.
type Lender struct {
	caller  Caller
	primary string
	backup  string
	timeout time.Duration
	logger  logging.Logger
}

type Option func(*Lender) error

func WithLogger(logger logging.Logger) Option {
	return func(l *Lender) error {
		l.logger = logger
		return nil
	}
}

// WithStorage sets the storage apply endpoints and the per-attempt timeout.
func WithStorage(primary, backup string, timeout time.Duration) Option {
	return func(l *Lender) error {
		if primary == "" {
			return errors.New("empty storage endpoint")
		}
		l.primary = primary
		l.backup = backup
		if timeout > 0 {
			l.timeout = timeout
		}
		return nil
	}
}

func New(caller Caller, options ...Option) (*Lender, error) {
	if caller == nil {
		return nil, errors.New("nil caller")
	}
	l := &Lender{
		caller:  caller,
		timeout: 2 * time.Second,
		logger:  logging.Discard(),
	}
	for _, option := range options {
		if err := option(l); err != nil {
			return nil, err
		}
	}
	if l.primary == "" {
		return nil, errors.New("no storage endpoint configured")
	}
	return l, nil
}

// Handle forwards a BORROW body to storage and returns its reply.
func (l *Lender) Handle(ctx context.Context, body []byte) loan.Result {
	var op loan.Operation
	if err := wire.Unmarshal(body, &op); err != nil {
		return loan.Fail("%v", err)
	}
	if kind, err := op.Kind(); err != nil || kind != loan.Borrow {
		return loan.Fail("op not supported by borrow handler: %s", strings.ToUpper(op.Op))
	}

	resp := l.caller.Call(ctx, l.primary, l.backup, body, l.timeout)
	if resp.Err != nil && !resp.Delivered() {
		l.logger.Error("storage unreachable", "request_id", op.RequestID, "error", resp.Err.Error())
	} else {
		l.logger.Info("borrow applied", "request_id", op.RequestID, "endpoint", resp.Endpoint,
			"ok", resp.Result.OK, "msg", resp.Result.Msg)
	}
	return resp.Result
}
