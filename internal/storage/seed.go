// internal/storage/seed.go
package storage

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"libradispatch/internal/loan"
)

const (
	BranchOne = "SEDE1"
	BranchTwo = "SEDE2"
)

// Loader accepts fixture rows. Both stores implement it.
type Loader interface {
	Load(ctx context.Context, items []loan.Item, loans []loan.Loan) error
}

// Fixture is the bootstrap catalogue plus a set of ACTIVE loans.
type Fixture struct {
	Items []loan.Item
	Loans []loan.Loan
}

// BuildFixture creates n single-copy items, the first half at SEDE1 and the rest
// at SEDE2, then lends a tenth of SEDE1 and three tenths of SEDE2. The choice of
// lent items depends only on rngSeed.
func BuildFixture(n int, rngSeed int64, now time.Time) Fixture {
	now = now.UTC().Truncate(time.Second)
	half := n / 2

	f := Fixture{Items: make([]loan.Item, 0, n)}
	for i := 1; i <= n; i++ {
		branch := BranchOne
		if i > half {
			branch = BranchTwo
		}
		f.Items = append(f.Items, loan.Item{
			ItemID:    itemID(i),
			BranchID:  branch,
			Title:     fmt.Sprintf("Book %04d", i),
			Total:     1,
			Available: 1,
		})
	}

	r := rand.New(rand.NewSource(rngSeed))
	lent := pick(r, 1, half, half/10)
	lent = append(lent, pick(r, half+1, n, (n-half)*3/10)...)

	due := now.AddDate(0, 0, loan.DefaultLoanDays)
	for _, i := range lent {
		it := &f.Items[i-1]
		it.Available = 0

		tag := "S1"
		if it.BranchID == BranchTwo {
			tag = "S2"
		}
		f.Loans = append(f.Loans, loan.Loan{
			RequestID: fmt.Sprintf("S-INIT-%s-%04d", tag, i),
			UserID:    fmt.Sprintf("U%04d", i),
			ItemID:    it.ItemID,
			BranchID:  it.BranchID,
			StartedAt: now,
			DueAt:     due,
			State:     loan.StateActive,
		})
	}
	return f
}

// Seed loads f into l.
func Seed(ctx context.Context, l Loader, f Fixture) error {
	if err := l.Load(ctx, f.Items, f.Loans); err != nil {
		return fmt.Errorf("load fixture: %w", err)
	}
	return nil
}

func itemID(i int) string { return fmt.Sprintf("L%04d", i) }

// pick returns k distinct numbers from [lo, hi], sorted.
func pick(r *rand.Rand, lo, hi, k int) []int {
	span := hi - lo + 1
	if span <= 0 || k <= 0 {
		return nil
	}
	if k > span {
		k = span
	}
	perm := r.Perm(span)[:k]
	out := make([]int, k)
	for i, p := range perm {
		out[i] = lo + p
	}
	sort.Ints(out)
	return out
}
