// internal/chaos/experiments.go
package chaos

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"libradispatch/internal/health"
	"libradispatch/internal/loan"
)

// Windows sets how long an experiment observes the system.
type Windows struct {
	Fault    time.Duration
	Recovery time.Duration
}

// RegisterExperiments registers the standard experiments against sb.
func (e *Engine) RegisterExperiments(sb *Sandbox, w Windows) {
	e.Register(ConsumerOutageExperiment(sb, 5, w))
	e.Register(StoragePrimaryOutageExperiment(sb, 5, w))
	e.Register(BorrowContentionExperiment(sb, 8, w))
	e.Register(RedeliveryExperiment(sb, 3, w))
}

func inventoryMetric(sb *Sandbox) Metric {
	return Metric{
		Name: "inventory_mismatches",
		Query: func(context.Context) (float64, error) {
			return float64(InventoryMismatches(sb.Primary) + InventoryMismatches(sb.Backup)), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func isZero(v float64) bool { return v == 0 }

// ConsumerOutageExperiment takes the RETURN consumer's health endpoint down,
// sends returns for seeded loans and expects them to be applied once it is back.
func ConsumerOutageExperiment(sb *Sandbox, returns int, w Windows) Experiment {
	var loans []loan.Loan

	return Experiment{
		Name:       "return-consumer-outage",
		Hypothesis: "Returns accepted while their consumer is DOWN are held and applied in order after it recovers",
		SteadyState: []Metric{
			{
				Name: "return_backlog",
				Query: func(context.Context) (float64, error) {
					return float64(sb.Backlog(loan.Return.Topic())), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			{
				Name: "pending_returns",
				Query: func(context.Context) (float64, error) {
					pending := 0
					for _, l := range loans {
						if CountLoans(sb.Primary, loan.StateActive, l.ItemID) > 0 {
							pending++
						}
					}
					return float64(pending), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			inventoryMetric(sb),
		},
		Method: []Action{
			{
				Type:   "kill-health",
				Target: "consumer-RETURN",
				Execute: func(ctx context.Context) error {
					sb.ReturnFault.Inject()
					return sb.WaitLiveness(ctx, loan.Return.Topic(), health.Down, 5*time.Second)
				},
			},
			{
				Type:   "send-returns",
				Target: "gateway",
				Execute: func(ctx context.Context) error {
					loans = sb.TakeSeededLoans(returns)
					for _, l := range loans {
						res, err := sb.Send(ctx, loan.Operation{
							Op: string(loan.Return), UserID: l.UserID, ItemID: l.ItemID, BranchID: l.BranchID,
						})
						if err != nil {
							return err
						}
						if !res.OK {
							return fmt.Errorf("return %s rejected: %s", l.ItemID, res.Msg)
						}
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "restore-health",
				Target: "consumer-RETURN",
				Execute: func(ctx context.Context) error {
					sb.ReturnFault.Clear()
					return sb.WaitLiveness(ctx, loan.Return.Topic(), health.Up, 5*time.Second)
				},
			},
		},
		Validation: []Assertion{
			{Metric: "return_backlog", Condition: isZero, Message: "Backlog should be flushed after recovery"},
			{Metric: "pending_returns", Condition: isZero, Message: "Every accepted return should be applied"},
			{Metric: "inventory_mismatches", Condition: isZero, Message: "Availability should match active loans"},
		},
		Duration: w.Fault,
		Recovery: w.Recovery,
	}
}

// StoragePrimaryOutageExperiment fails the primary storage node and expects
// borrows to keep succeeding through the backup.
func StoragePrimaryOutageExperiment(sb *Sandbox, borrows int, w Windows) Experiment {
	var succeeded atomic.Int64
	attempted := 0

	return Experiment{
		Name:       "storage-primary-outage",
		Hypothesis: "BORROW keeps working against the backup node while the primary is unavailable",
		SteadyState: []Metric{
			{
				Name: "borrow_success_rate",
				Query: func(context.Context) (float64, error) {
					if attempted == 0 {
						return 100, nil
					}
					return float64(succeeded.Load()) / float64(attempted) * 100, nil
				},
				Threshold: Threshold{Operator: ">=", Value: 100},
			},
			inventoryMetric(sb),
		},
		Method: []Action{
			{
				Type:    "kill-node",
				Target:  "storage-primary",
				Execute: func(context.Context) error { sb.StorageFault.Inject(); return nil },
			},
			{
				Type:   "send-borrows",
				Target: "gateway",
				Execute: func(ctx context.Context) error {
					items := sb.TakeFreeItems(borrows)
					attempted = len(items)
					for i, it := range items {
						res, err := sb.Send(ctx, loan.Operation{
							Op: string(loan.Borrow), UserID: fmt.Sprintf("U-CHAOS-%d", i), ItemID: it.ItemID, BranchID: it.BranchID,
						})
						if err != nil {
							return err
						}
						if res.OK {
							succeeded.Add(1)
						}
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:    "restore-node",
				Target:  "storage-primary",
				Execute: func(context.Context) error { sb.StorageFault.Clear(); return nil },
			},
		},
		Validation: []Assertion{
			{Metric: "borrow_success_rate", Condition: func(v float64) bool { return v == 100 }, Message: "Every borrow should succeed via the backup"},
			{Metric: "inventory_mismatches", Condition: isZero, Message: "Availability should match active loans on both nodes"},
		},
		Duration: w.Fault,
		Recovery: w.Recovery,
	}
}

// BorrowContentionExperiment fires concurrent borrows at a single-copy item.
func BorrowContentionExperiment(sb *Sandbox, clients int, w Windows) Experiment {
	var (
		winners atomic.Int64
		item    loan.Item
	)

	return Experiment{
		Name:       "concurrent-borrow-contention",
		Hypothesis: "Concurrent borrows of one copy produce exactly one loan and never oversell",
		SteadyState: []Metric{
			{
				Name: "active_loans_on_item",
				Query: func(context.Context) (float64, error) {
					if item.ItemID == "" {
						return 0, nil
					}
					return float64(CountLoans(sb.Primary, loan.StateActive, item.ItemID)), nil
				},
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
			inventoryMetric(sb),
		},
		Method: []Action{
			{
				Type:   "concurrent-borrows",
				Target: "gateway",
				Execute: func(ctx context.Context) error {
					items := sb.TakeFreeItems(1)
					if len(items) == 0 {
						return fmt.Errorf("no free item left")
					}
					item = items[0]

					var wg sync.WaitGroup
					errs := make(chan error, clients)
					for i := 0; i < clients; i++ {
						wg.Add(1)
						go func(i int) {
							defer wg.Done()
							res, err := sb.Send(ctx, loan.Operation{
								Op: string(loan.Borrow), UserID: fmt.Sprintf("U-RACE-%d", i), ItemID: item.ItemID, BranchID: item.BranchID,
							})
							if err != nil {
								errs <- err
								return
							}
							if res.OK {
								winners.Add(1)
							}
						}(i)
					}
					wg.Wait()
					close(errs)
					return <-errs
				},
			},
		},
		Validation: []Assertion{
			{Metric: "active_loans_on_item", Condition: func(v float64) bool { return v == 1 }, Message: "Exactly one borrower should win the copy"},
			{Metric: "inventory_mismatches", Condition: isZero, Message: "Availability should match active loans"},
		},
		Duration: w.Fault,
		Recovery: w.Recovery,
	}
}

// RedeliveryExperiment sends the same BORROW several times with one
// idempotency key, as a client retrying after timeouts would.
func RedeliveryExperiment(sb *Sandbox, copies int, w Windows) Experiment {
	var item loan.Item

	return Experiment{
		Name:       "borrow-redelivery",
		Hypothesis: "Repeating a request with the same idempotency key applies it once",
		SteadyState: []Metric{
			{
				Name: "loans_on_item",
				Query: func(context.Context) (float64, error) {
					if item.ItemID == "" {
						return 0, nil
					}
					return float64(CountLoans(sb.Primary, loan.StateActive, item.ItemID)), nil
				},
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
		},
		Method: []Action{
			{
				Type:   "duplicate-borrows",
				Target: "gateway",
				Execute: func(ctx context.Context) error {
					items := sb.TakeFreeItems(1)
					if len(items) == 0 {
						return fmt.Errorf("no free item left")
					}
					item = items[0]
					op := loan.Operation{
						Op: string(loan.Borrow), RequestID: "S-REDELIVER-" + item.ItemID,
						UserID: "U-REDELIVER", ItemID: item.ItemID, BranchID: item.BranchID,
					}
					for i := 0; i < copies; i++ {
						if _, err := sb.Send(ctx, op); err != nil {
							return err
						}
					}
					return nil
				},
			},
		},
		Validation: []Assertion{
			{Metric: "loans_on_item", Condition: func(v float64) bool { return v == 1 }, Message: "Duplicates should not create extra loans"},
		},
		Duration: w.Fault,
		Recovery: w.Recovery,
	}
}
