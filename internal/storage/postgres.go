// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"libradispatch/internal/loan"
	"libradispatch/internal/logging"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	dialectPostgres     = "postgres"
	pgUniqueViolation   = "23505"
	logMsgBuildFailed   = "failed to build query"
	logMsgSQLExecuted   = "executed sql"
	logAttrQuery        = "query"
	logAttrDurationMS   = "duration_ms"
	logAttrError        = "error"
	logAttrRowsAffected = "rows_affected"
)

var itemColumns = []any{colItemID, colBranchID, colTitle, colTotal, colAvailable}

var loanColumns = []any{
	colLoanID, colRequestID, colUserID, colItemID, colBranchID,
	colStartedAt, colDueAt, colReturnedAt, colState,
}

// PostgresStore persists to PostgreSQL through either lib/pq or pgx.
type PostgresStore struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
	logger  logging.Logger
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore) error

// WithStoreLogger sets the logger. SQL is logged at debug level.
func WithStoreLogger(logger logging.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		s.logger = logger
		return nil
	}
}

// OpenPostgres connects with driver "postgres" (lib/pq) or "pgx".
func OpenPostgres(ctx context.Context, driver, dsn string, options ...PostgresOption) (*PostgresStore, error) {
	switch driver {
	case "postgres", "pgx":
	default:
		return nil, fmt.Errorf("unsupported driver %q (postgres/pgx)", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	s, err := NewPostgresStore(db, options...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sqlx.DB, options ...PostgresOption) (*PostgresStore, error) {
	if db == nil {
		return nil, ErrNilStore
	}
	s := &PostgresStore{
		db:      db,
		dialect: goqu.Dialect(dialectPostgres),
		logger:  logging.Discard(),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnsureSchema creates the tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Truncate empties every table and resets loan ids.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, truncateSQL); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx, dialect: s.dialect, logger: s.logger}, nil
}

func (s *PostgresStore) Item(ctx context.Context, itemID, branchID string) (loan.Item, error) {
	query, args, err := s.dialect.From(tableItems).
		Select(itemColumns...).
		Where(goqu.C(colItemID).Eq(itemID), goqu.C(colBranchID).Eq(branchID)).
		Prepared(true).ToSQL()
	if err != nil {
		return loan.Item{}, fmt.Errorf("%s: %w", logMsgBuildFailed, err)
	}

	var it loan.Item
	if err := s.db.GetContext(ctx, &it, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return loan.Item{}, ErrItemNotFound
		}
		return loan.Item{}, err
	}
	return it, nil
}

// Load bulk-inserts fixture rows in one transaction.
func (s *PostgresStore) Load(ctx context.Context, items []loan.Item, loans []loan.Loan) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(items) > 0 {
		rows := make([]any, 0, len(items))
		for _, it := range items {
			rows = append(rows, goqu.Record{
				colItemID: it.ItemID, colBranchID: it.BranchID, colTitle: it.Title,
				colTotal: it.Total, colAvailable: it.Available,
			})
		}
		if err := s.execBuilt(ctx, tx, s.dialect.Insert(tableItems).Rows(rows...).Prepared(true)); err != nil {
			return fmt.Errorf("insert items: %w", err)
		}
	}

	if len(loans) > 0 {
		rows := make([]any, 0, len(loans))
		for _, l := range loans {
			rows = append(rows, goqu.Record{
				colRequestID: l.RequestID, colUserID: l.UserID, colItemID: l.ItemID,
				colBranchID: l.BranchID, colStartedAt: l.StartedAt, colDueAt: l.DueAt,
				colReturnedAt: l.ReturnedAt, colState: string(l.State),
			})
		}
		if err := s.execBuilt(ctx, tx, s.dialect.Insert(tableLoans).Rows(rows...).Prepared(true)); err != nil {
			return fmt.Errorf("insert loans: %w", err)
		}
	}

	return tx.Commit()
}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func (s *PostgresStore) execBuilt(ctx context.Context, tx *sqlx.Tx, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("%s: %w", logMsgBuildFailed, err)
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

type pgTx struct {
	tx      *sqlx.Tx
	dialect goqu.DialectWrapper
	logger  logging.Logger
}

func (t *pgTx) build(b sqlBuilder) (string, []any, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		t.logger.Error(logMsgBuildFailed, logAttrError, err.Error())
		return "", nil, fmt.Errorf("%s: %w", logMsgBuildFailed, err)
	}
	return query, args, nil
}

func (t *pgTx) logQuery(query string, start time.Time) {
	t.logger.Debug(logMsgSQLExecuted, logAttrQuery, query,
		logAttrDurationMS, float64(time.Since(start).Microseconds())/1000)
}

func (t *pgTx) exec(ctx context.Context, b sqlBuilder) (int64, error) {
	query, args, err := t.build(b)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	res, err := t.tx.ExecContext(ctx, query, args...)
	t.logQuery(query, start)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (t *pgTx) get(ctx context.Context, dest any, b sqlBuilder) error {
	query, args, err := t.build(b)
	if err != nil {
		return err
	}
	start := time.Now()
	err = t.tx.GetContext(ctx, dest, query, args...)
	t.logQuery(query, start)
	return err
}

func (t *pgTx) Applied(ctx context.Context, key string) (bool, error) {
	var one int
	err := t.get(ctx, &one, t.dialect.From(tableLedger).
		Select(goqu.L("1")).
		Where(goqu.C(colKey).Eq(key)).
		Limit(1).Prepared(true))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *pgTx) RecordApplied(ctx context.Context, entry loan.LedgerEntry) error {
	_, err := t.exec(ctx, t.dialect.Insert(tableLedger).Rows(goqu.Record{
		colKey:       entry.Key,
		colOp:        entry.Op,
		colRequestID: entry.RequestID,
		colAppliedAt: entry.AppliedAt,
	}).Prepared(true))
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (t *pgTx) Item(ctx context.Context, itemID, branchID string) (loan.Item, error) {
	var it loan.Item
	err := t.get(ctx, &it, t.dialect.From(tableItems).
		Select(itemColumns...).
		Where(goqu.C(colItemID).Eq(itemID), goqu.C(colBranchID).Eq(branchID)).
		Prepared(true))
	if errors.Is(err, sql.ErrNoRows) {
		return loan.Item{}, ErrItemNotFound
	}
	return it, err
}

func (t *pgTx) TakeCopy(ctx context.Context, itemID, branchID string) (bool, error) {
	n, err := t.exec(ctx, t.dialect.Update(tableItems).
		Set(goqu.Record{colAvailable: goqu.L(colAvailable + " - 1")}).
		Where(
			goqu.C(colItemID).Eq(itemID),
			goqu.C(colBranchID).Eq(branchID),
			goqu.C(colAvailable).Gt(0),
		).Prepared(true))
	if err != nil {
		return false, err
	}
	t.logger.Debug("take copy", logAttrRowsAffected, n)
	return n == 1, nil
}

func (t *pgTx) ReturnCopy(ctx context.Context, itemID, branchID string) error {
	_, err := t.exec(ctx, t.dialect.Update(tableItems).
		Set(goqu.Record{colAvailable: goqu.L("LEAST(" + colTotal + ", " + colAvailable + " + 1)")}).
		Where(goqu.C(colItemID).Eq(itemID), goqu.C(colBranchID).Eq(branchID)).
		Prepared(true))
	return err
}

func (t *pgTx) InsertLoan(ctx context.Context, l loan.Loan) (int64, error) {
	var id int64
	err := t.get(ctx, &id, t.dialect.Insert(tableLoans).Rows(goqu.Record{
		colRequestID:  l.RequestID,
		colUserID:     l.UserID,
		colItemID:     l.ItemID,
		colBranchID:   l.BranchID,
		colStartedAt:  l.StartedAt,
		colDueAt:      l.DueAt,
		colReturnedAt: l.ReturnedAt,
		colState:      string(l.State),
	}).Returning(colLoanID).Prepared(true))
	return id, err
}

func (t *pgTx) LatestActiveLoan(ctx context.Context, itemID, userID, branchID string) (loan.Loan, error) {
	var l loan.Loan
	err := t.get(ctx, &l, t.dialect.From(tableLoans).
		Select(loanColumns...).
		Where(
			goqu.C(colItemID).Eq(itemID),
			goqu.C(colUserID).Eq(userID),
			goqu.C(colBranchID).Eq(branchID),
			goqu.C(colState).Eq(string(loan.StateActive)),
		).
		Order(goqu.C(colLoanID).Desc()).
		Limit(1).Prepared(true))
	if errors.Is(err, sql.ErrNoRows) {
		return loan.Loan{}, ErrNoActiveLoan
	}
	if err != nil {
		return loan.Loan{}, err
	}
	l.StartedAt = l.StartedAt.UTC()
	l.DueAt = l.DueAt.UTC()
	return l, nil
}

func (t *pgTx) MarkReturned(ctx context.Context, loanID int64, at time.Time) error {
	n, err := t.exec(ctx, t.dialect.Update(tableLoans).
		Set(goqu.Record{colState: string(loan.StateReturned), colReturnedAt: at}).
		Where(goqu.C(colLoanID).Eq(loanID)).
		Prepared(true))
	if err == nil && n == 0 {
		return ErrNoActiveLoan
	}
	return err
}

func (t *pgTx) SetDueDate(ctx context.Context, loanID int64, due time.Time) error {
	n, err := t.exec(ctx, t.dialect.Update(tableLoans).
		Set(goqu.Record{colDueAt: due}).
		Where(goqu.C(colLoanID).Eq(loanID)).
		Prepared(true))
	if err == nil && n == 0 {
		return ErrNoActiveLoan
	}
	return err
}

func (t *pgTx) Commit() error { return t.tx.Commit() }

// Rollback swallows sql.ErrTxDone so it can be deferred after Commit.
func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
