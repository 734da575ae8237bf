// internal/storage/implementation.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"libradispatch/internal/loan"
	"libradispatch/internal/logging"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgAlreadyApplied = "already applied"
	msgNoCopies       = "no copies available"
	msgBorrowed       = "loan registered"
	msgNothingToRet   = "no active loan found; nothing to return"
	msgReturned       = "return registered"
	msgNoLoanToRenew  = "no active loan to renew"
	msgRenewed        = "renewal registered"
)

// Engine applies operations exactly once per idempotency key, one at a time.
type Engine struct {
	mu       sync.Mutex
	store    Store
	replica  *Engine
	name     string
	logger   logging.Logger
	tracer   trace.Tracer
	applied  metric.Int64Counter
	validate *validator.Validate
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine) error

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithName labels the engine in logs and spans.
func WithName(name string) Option {
	return func(e *Engine) error {
		e.name = name
		return nil
	}
}

// WithReplica mirrors every committed Apply onto secondary.
func WithReplica(secondary *Engine) Option {
	return func(e *Engine) error {
		if secondary == e {
			return errors.New("engine cannot replicate to itself")
		}
		e.replica = secondary
		return nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) error {
		e.tracer = tp.Tracer("libradispatch/storage")
		return nil
	}
}

func NewEngine(store Store, options ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	applied, err := otel.Meter("libradispatch/storage").Int64Counter("storage.operations",
		metric.WithDescription("Applied operations by kind and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	e := &Engine{
		store:    store,
		name:     "storage",
		logger:   logging.Discard(),
		tracer:   otel.Tracer("libradispatch/storage"),
		applied:  applied,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Store returns the backing store.
func (e *Engine) Store() Store { return e.store }

// Apply runs op in its own transaction and then forwards it to the replica, if any.
// Errors never escape: they come back as a failed Result.
func (e *Engine) Apply(ctx context.Context, op loan.Operation) loan.Result {
	res, _ := e.apply(ctx, op)
	return res
}

func (e *Engine) apply(ctx context.Context, op loan.Operation) (loan.Result, bool) {
	if err := e.validate.StructCtx(ctx, op); err != nil {
		return loan.Fail("invalid operation: %v", err), false
	}
	kind, err := op.Kind()
	if err != nil {
		return loan.Fail("%s", loan.ErrUnsupportedOp.Error()), false
	}

	res, err := e.applyLocal(ctx, kind, op)
	if err != nil {
		e.logger.Error("apply failed", "engine", e.name, "op", string(kind),
			"request_id", op.RequestID, "error", err.Error())
		return loan.Fail("%s", err.Error()), false
	}

	if e.replica != nil {
		if _, ok := e.replica.apply(ctx, op); !ok {
			e.logger.Warn("replica apply failed", "engine", e.name, "replica", e.replica.name,
				"op", string(kind), "request_id", op.RequestID)
		}
	}
	return res, true
}

// applyLocal is serialized: the engine is the single writer of its store.
func (e *Engine) applyLocal(ctx context.Context, kind loan.Kind, op loan.Operation) (res loan.Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := op.EffectiveKey()
	ctx, span := e.tracer.Start(ctx, "storage.apply",
		trace.WithAttributes(
			attribute.String("engine", e.name),
			attribute.String("op", string(kind)),
			attribute.String("request.id", op.RequestID),
			attribute.String("idempotency.key", key),
		),
	)
	defer func() {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case !res.OK:
			outcome = "rejected"
		}
		e.applied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", string(kind)),
			attribute.String("outcome", outcome),
		))
		span.End()
	}()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return loan.Result{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Step 1: ledger lookup
	applied, err := tx.Applied(ctx, key)
	if err != nil {
		return loan.Result{}, fmt.Errorf("check ledger: %w", err)
	}
	if applied {
		if err := tx.Commit(); err != nil {
			return loan.Result{}, fmt.Errorf("commit transaction: %w", err)
		}
		span.SetAttributes(attribute.Bool("idempotent.hit", true))
		return loan.Done(msgAlreadyApplied), nil
	}

	// Step 2: claim the key
	err = tx.RecordApplied(ctx, loan.LedgerEntry{
		Key:       key,
		Op:        string(kind),
		RequestID: op.RequestID,
		AppliedAt: e.now().UTC(),
	})
	if errors.Is(err, ErrAlreadyExists) {
		return loan.Done(msgAlreadyApplied), nil
	}
	if err != nil {
		return loan.Result{}, fmt.Errorf("record ledger entry: %w", err)
	}

	// Step 3: mutate
	switch kind {
	case loan.Borrow:
		res, err = e.borrow(ctx, tx, op)
	case loan.Return:
		res, err = e.giveBack(ctx, tx, op)
	case loan.Renew:
		res, err = e.renew(ctx, tx, op)
	}
	if err != nil {
		return loan.Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return loan.Result{}, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

func (e *Engine) borrow(ctx context.Context, tx Tx, op loan.Operation) (loan.Result, error) {
	start, err := op.At(e.now())
	if err != nil {
		return loan.Result{}, err
	}

	item, err := tx.Item(ctx, op.ItemID, op.BranchID)
	if errors.Is(err, ErrItemNotFound) {
		return loan.Fail("item %s not found at %s", op.ItemID, op.BranchID), nil
	}
	if err != nil {
		return loan.Result{}, fmt.Errorf("load item: %w", err)
	}
	if item.Available <= 0 {
		return loan.Fail(msgNoCopies), nil
	}

	taken, err := tx.TakeCopy(ctx, op.ItemID, op.BranchID)
	if err != nil {
		return loan.Result{}, fmt.Errorf("take copy: %w", err)
	}
	if !taken {
		return loan.Fail(msgNoCopies), nil
	}

	due := start.AddDate(0, 0, op.LoanDays())
	id, err := tx.InsertLoan(ctx, loan.Loan{
		RequestID: op.RequestID,
		UserID:    op.UserID,
		ItemID:    op.ItemID,
		BranchID:  op.BranchID,
		StartedAt: start,
		DueAt:     due,
		State:     loan.StateActive,
	})
	if err != nil {
		return loan.Result{}, fmt.Errorf("insert loan: %w", err)
	}

	return loan.Result{OK: true, Msg: msgBorrowed, DueDate: loan.FormatTime(due), LoanID: id}, nil
}

func (e *Engine) giveBack(ctx context.Context, tx Tx, op loan.Operation) (loan.Result, error) {
	active, err := tx.LatestActiveLoan(ctx, op.ItemID, op.UserID, op.BranchID)
	if errors.Is(err, ErrNoActiveLoan) {
		return loan.Done(msgNothingToRet), nil
	}
	if err != nil {
		return loan.Result{}, fmt.Errorf("find active loan: %w", err)
	}

	if err := tx.MarkReturned(ctx, active.ID, op.AtOrNow(e.now())); err != nil {
		return loan.Result{}, fmt.Errorf("mark returned: %w", err)
	}
	if err := tx.ReturnCopy(ctx, op.ItemID, op.BranchID); err != nil {
		return loan.Result{}, fmt.Errorf("return copy: %w", err)
	}

	return loan.Result{OK: true, Msg: msgReturned, LoanID: active.ID}, nil
}

func (e *Engine) renew(ctx context.Context, tx Tx, op loan.Operation) (loan.Result, error) {
	active, err := tx.LatestActiveLoan(ctx, op.ItemID, op.UserID, op.BranchID)
	if errors.Is(err, ErrNoActiveLoan) {
		return loan.Fail(msgNoLoanToRenew), nil
	}
	if err != nil {
		return loan.Result{}, fmt.Errorf("find active loan: %w", err)
	}

	var due time.Time
	if op.NewDueDate != "" {
		due, err = loan.ParseTime(op.NewDueDate)
		if err != nil {
			return loan.Result{}, fmt.Errorf("new due date: %w", err)
		}
	} else {
		due = op.AtOrNow(e.now()).AddDate(0, 0, loan.DefaultRenewDays)
	}

	if err := tx.SetDueDate(ctx, active.ID, due); err != nil {
		return loan.Result{}, fmt.Errorf("set due date: %w", err)
	}

	return loan.Result{OK: true, Msg: msgRenewed, DueDate: loan.FormatTime(due), LoanID: active.ID}, nil
}
