package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/circulation"
)

// Lender issues items and takes them back.
type Lender interface {
	Issue(ctx context.Context, req circulation.IssueRequest) (*circulation.Transaction, error)
	ReturnItem(ctx context.Context, req circulation.ReturnRequest) (*circulation.Transaction, error)
}

// ConcurrentIssueExperiment fires n parallel issues of the same item. The
// hypothesis holds when exactly one succeeds, every other attempt is
// refused as an invalid state, and the catalog still agrees with the ledger.
// The winning transaction is returned on the issue date afterwards, so the
// item ends up AVAILABLE again with one returned transaction in its history.
func (r *Runner) ConcurrentIssueExperiment(lender Lender, req circulation.IssueRequest, n int) Experiment {
	var (
		successes, unexpected atomic.Int64
		winnerMu              sync.Mutex
		winner                uuid.UUID
	)

	mismatch := r.DefaultChecks()[0]
	return Experiment{
		Name:       "concurrent-issue-race-condition",
		Hypothesis: "An item is never issued twice when many issues race for it",
		SteadyState: []Check{
			mismatch,
			{
				Name:      "issue_successes",
				Query:     func(context.Context) (float64, error) { return float64(successes.Load()), nil },
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
			{
				Name:      "unexpected_failures",
				Query:     func(context.Context) (float64, error) { return float64(unexpected.Load()), nil },
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "lending-engine",
				Execute: func(ctx context.Context) error {
					var (
						wg       sync.WaitGroup
						mu       sync.Mutex
						firstErr error
					)
					for i := 0; i < n; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							t, err := lender.Issue(ctx, req)
							switch {
							case err == nil:
								successes.Add(1)
								winnerMu.Lock()
								winner = t.ID
								winnerMu.Unlock()
							case errors.Is(err, apperr.ErrInvalidState):
							default:
								unexpected.Add(1)
								mu.Lock()
								if firstErr == nil {
									firstErr = err
								}
								mu.Unlock()
							}
						}()
					}
					wg.Wait()
					if firstErr != nil {
						return fmt.Errorf("unexpected issue failure: %w", firstErr)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "return-issued-item",
				Target: "lending-engine",
				Execute: func(ctx context.Context) error {
					winnerMu.Lock()
					id := winner
					winnerMu.Unlock()
					if id == uuid.Nil {
						return nil
					}
					if _, err := lender.ReturnItem(ctx, circulation.ReturnRequest{TransactionID: id, ActualReturnDate: req.IssueDate}); err != nil {
						return fmt.Errorf("return transaction %s: %w", id, err)
					}
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Check:     "issue_successes",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "exactly one concurrent issue should succeed",
			},
		},
	}
}
