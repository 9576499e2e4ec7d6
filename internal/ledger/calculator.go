package ledger

import (
	"context"
	"time"
)

// Calculator aggregates posted ledger entries into PeriodBalances. It is
// deterministic and side-effect free; the balanced flag it derives is a
// diagnostic for period inspection and a hard precondition for year-end
// closing.
type Calculator struct {
	repo Repository
}

// NewCalculator constructs a Calculator.
func NewCalculator(repo Repository) *Calculator {
	return &Calculator{repo: repo}
}

// ForRange computes the balance snapshot over an inclusive date range.
func (c *Calculator) ForRange(ctx context.Context, from, to time.Time) (PeriodBalances, error) {
	totals, err := c.repo.BucketTotals(ctx, from, to)
	if err != nil {
		return PeriodBalances{}, err
	}
	return ComputeBalances(totals), nil
}
