// internal/storage/service.go
package storage

import (
	"context"
	"errors"
	"time"

	"libradispatch/internal/loan"
)

var (
	ErrNilStore      = errors.New("nil store")
	ErrItemNotFound  = errors.New("item not found")
	ErrNoActiveLoan  = errors.New("no active loan")
	ErrAlreadyExists = errors.New("idempotency key already recorded")
	ErrTxDone        = errors.New("transaction already finished")
)

// Store is a transactional home for items, loans and the applied-ops ledger.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// Item is a read outside any transaction.
	Item(ctx context.Context, itemID, branchID string) (loan.Item, error)
	Close() error
}

// Tx is one unit of work. Rollback after Commit is a no-op.
type Tx interface {
	Applied(ctx context.Context, key string) (bool, error)
	// RecordApplied returns ErrAlreadyExists when the key is taken.
	RecordApplied(ctx context.Context, entry loan.LedgerEntry) error

	Item(ctx context.Context, itemID, branchID string) (loan.Item, error)
	// TakeCopy decrements availability, reporting false when nothing was available.
	TakeCopy(ctx context.Context, itemID, branchID string) (bool, error)
	// ReturnCopy increments availability without exceeding the total.
	ReturnCopy(ctx context.Context, itemID, branchID string) error

	InsertLoan(ctx context.Context, l loan.Loan) (int64, error)
	// LatestActiveLoan picks the highest loan id among matching ACTIVE loans.
	LatestActiveLoan(ctx context.Context, itemID, userID, branchID string) (loan.Loan, error)
	MarkReturned(ctx context.Context, loanID int64, at time.Time) error
	SetDueDate(ctx context.Context, loanID int64, due time.Time) error

	Commit() error
	Rollback() error
}
