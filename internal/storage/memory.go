// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"libradispatch/internal/loan"
)

type itemKey struct {
	item   string
	branch string
}

type memState struct {
	items      map[itemKey]loan.Item
	loans      map[int64]loan.Loan
	ledger     map[string]loan.LedgerEntry
	nextLoanID int64
}

func (s memState) clone() memState {
	c := memState{
		items:      make(map[itemKey]loan.Item, len(s.items)),
		loans:      make(map[int64]loan.Loan, len(s.loans)),
		ledger:     make(map[string]loan.LedgerEntry, len(s.ledger)),
		nextLoanID: s.nextLoanID,
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.loans {
		if v.ReturnedAt != nil {
			at := *v.ReturnedAt
			v.ReturnedAt = &at
		}
		c.loans[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	return c
}

// MemoryStore keeps everything in process memory. A transaction works on a copy
// and holds the store until it commits or rolls back.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		items:      make(map[itemKey]loan.Item),
		loans:      make(map[int64]loan.Loan),
		ledger:     make(map[string]loan.LedgerEntry),
		nextLoanID: 1,
	}}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memTx{store: s, work: s.state.clone()}, nil
}

func (s *MemoryStore) Item(_ context.Context, itemID, branchID string) (loan.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.state.items[itemKey{itemID, branchID}]
	if !ok {
		return loan.Item{}, ErrItemNotFound
	}
	return it, nil
}

func (s *MemoryStore) Close() error { return nil }

// PutItem creates or replaces an item.
func (s *MemoryStore) PutItem(it loan.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.items[itemKey{it.ItemID, it.BranchID}] = it
}

// Load inserts fixture rows, assigning loan ids in order.
func (s *MemoryStore) Load(_ context.Context, items []loan.Item, loans []loan.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.state.items[itemKey{it.ItemID, it.BranchID}] = it
	}
	for _, l := range loans {
		l.ID = s.state.nextLoanID
		s.state.nextLoanID++
		s.state.loans[l.ID] = l
	}
	return nil
}

// Loans returns every loan ordered by id.
func (s *MemoryStore) Loans() []loan.Loan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]loan.Loan, 0, len(s.state.loans))
	for _, l := range s.state.loans {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Items returns every item ordered by branch and id.
func (s *MemoryStore) Items() []loan.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]loan.Item, 0, len(s.state.items))
	for _, it := range s.state.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BranchID != out[j].BranchID {
			return out[i].BranchID < out[j].BranchID
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

// LedgerSize is the number of applied idempotency keys.
func (s *MemoryStore) LedgerSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.ledger)
}

type memTx struct {
	store *MemoryStore
	work  memState
	done  bool
}

func (t *memTx) Applied(_ context.Context, key string) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	_, ok := t.work.ledger[key]
	return ok, nil
}

func (t *memTx) RecordApplied(_ context.Context, entry loan.LedgerEntry) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.work.ledger[entry.Key]; ok {
		return ErrAlreadyExists
	}
	t.work.ledger[entry.Key] = entry
	return nil
}

func (t *memTx) Item(_ context.Context, itemID, branchID string) (loan.Item, error) {
	if t.done {
		return loan.Item{}, ErrTxDone
	}
	it, ok := t.work.items[itemKey{itemID, branchID}]
	if !ok {
		return loan.Item{}, ErrItemNotFound
	}
	return it, nil
}

func (t *memTx) TakeCopy(_ context.Context, itemID, branchID string) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	k := itemKey{itemID, branchID}
	it, ok := t.work.items[k]
	if !ok {
		return false, ErrItemNotFound
	}
	if it.Available <= 0 {
		return false, nil
	}
	it.Available--
	t.work.items[k] = it
	return true, nil
}

func (t *memTx) ReturnCopy(_ context.Context, itemID, branchID string) error {
	if t.done {
		return ErrTxDone
	}
	k := itemKey{itemID, branchID}
	it, ok := t.work.items[k]
	if !ok {
		// Nothing to restore for an uncatalogued item.
		return nil
	}
	if it.Available < it.Total {
		it.Available++
	}
	t.work.items[k] = it
	return nil
}

func (t *memTx) InsertLoan(_ context.Context, l loan.Loan) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	l.ID = t.work.nextLoanID
	t.work.nextLoanID++
	t.work.loans[l.ID] = l
	return l.ID, nil
}

func (t *memTx) LatestActiveLoan(_ context.Context, itemID, userID, branchID string) (loan.Loan, error) {
	if t.done {
		return loan.Loan{}, ErrTxDone
	}
	var best loan.Loan
	for _, l := range t.work.loans {
		if l.State != loan.StateActive || l.ItemID != itemID || l.UserID != userID || l.BranchID != branchID {
			continue
		}
		if l.ID > best.ID {
			best = l
		}
	}
	if best.ID == 0 {
		return loan.Loan{}, ErrNoActiveLoan
	}
	return best, nil
}

func (t *memTx) MarkReturned(_ context.Context, loanID int64, at time.Time) error {
	if t.done {
		return ErrTxDone
	}
	l, ok := t.work.loans[loanID]
	if !ok {
		return ErrNoActiveLoan
	}
	l.State = loan.StateReturned
	l.ReturnedAt = &at
	t.work.loans[loanID] = l
	return nil
}

func (t *memTx) SetDueDate(_ context.Context, loanID int64, due time.Time) error {
	if t.done {
		return ErrTxDone
	}
	l, ok := t.work.loans[loanID]
	if !ok {
		return ErrNoActiveLoan
	}
	l.DueAt = due
	t.work.loans[loanID] = l
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.state = t.work
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}
