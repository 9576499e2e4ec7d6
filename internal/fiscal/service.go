package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServiceConfig carries policy knobs.
type ServiceConfig struct {
	// AllowMultipleOpen relaxes the one-open-period-per-fiscal-year rule.
	AllowMultipleOpen bool
}

// Service drives period provisioning and the status state machine. All
// mutations go through versioned writes inside a transaction so a transition
// and its timestamp are never observable separately.
type Service struct {
	repo Repository
	cfg  ServiceConfig
	now  func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	return &Service{
		repo: repo,
		cfg:  cfg,
		now:  time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateFiscalYear provisions the twelve periods of a fiscal year, all in
// status future. Fails with ErrDuplicateFiscalYear when any period for the
// year already exists.
func (s *Service) CreateFiscalYear(ctx context.Context, in CreateFiscalYearInput) ([]Period, error) {
	periods, err := BuildFiscalYear(in, s.now())
	if err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.YearExists(ctx, in.FiscalYear)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateFiscalYear
		}
		return tx.InsertPeriods(ctx, periods)
	})
	if err != nil {
		return nil, err
	}
	return periods, nil
}

// Open transitions a future period to open, enforcing the single-open-period
// policy unless configured otherwise.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (Period, error) {
	return s.transition(ctx, id, StatusFuture, StatusOpen, func(ctx context.Context, tx TxRepository, p Period) error {
		if s.cfg.AllowMultipleOpen {
			return nil
		}
		siblings, err := tx.ListYearForUpdate(ctx, p.FiscalYear)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.ID != p.ID && sib.Status == StatusOpen {
				return fmt.Errorf("%w: period %d", ErrOpenPeriodExists, sib.PeriodNumber)
			}
		}
		return nil
	})
}

// Close transitions an open period to closed.
func (s *Service) Close(ctx context.Context, id uuid.UUID) (Period, error) {
	return s.transition(ctx, id, StatusOpen, StatusClosed, nil)
}

// Reopen transitions a closed period back to open. Periods of a fiscal year
// that completed year-end closing cannot be reopened.
func (s *Service) Reopen(ctx context.Context, id uuid.UUID) (Period, error) {
	return s.transition(ctx, id, StatusClosed, StatusOpen, func(ctx context.Context, tx TxRepository, p Period) error {
		if p.YearClosed() {
			return ErrYearClosed
		}
		if s.cfg.AllowMultipleOpen {
			return nil
		}
		siblings, err := tx.ListYearForUpdate(ctx, p.FiscalYear)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.ID != p.ID && sib.Status == StatusOpen {
				return fmt.Errorf("%w: period %d", ErrOpenPeriodExists, sib.PeriodNumber)
			}
		}
		return nil
	})
}

// Lock transitions a closed period to locked. Locked is terminal.
func (s *Service) Lock(ctx context.Context, id uuid.UUID) (Period, error) {
	return s.transition(ctx, id, StatusClosed, StatusLocked, nil)
}

// transition loads the period under a row lock, runs the trigger-specific
// guard, applies the table transition, and writes the versioned update.
func (s *Service) transition(ctx context.Context, id uuid.UUID, from, to Status, guard func(context.Context, TxRepository, Period) error) (Period, error) {
	var updated Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != from {
			return transitionError(p.Status, to)
		}
		if guard != nil {
			if err := guard(ctx, tx, p); err != nil {
				return err
			}
		}
		if err := ApplyTransition(&p, to, s.now()); err != nil {
			return err
		}
		updated, err = tx.UpdatePeriod(ctx, p)
		return err
	})
	if err != nil {
		return Period{}, err
	}
	return updated, nil
}

// Get returns a single period.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Period, error) {
	return s.repo.GetPeriod(ctx, id)
}

// ListByYear returns the periods of a fiscal year ordered by period number.
func (s *Service) ListByYear(ctx context.Context, year int) ([]Period, error) {
	return s.repo.ListByYear(ctx, year)
}

// ListAll returns every period ordered by year and period number.
func (s *Service) ListAll(ctx context.Context) ([]Period, error) {
	return s.repo.ListAll(ctx)
}

// Current returns the open period containing today.
func (s *Service) Current(ctx context.Context) (Period, error) {
	return s.repo.Current(ctx, s.now())
}

// CanPostResult answers the posting-window probe used by invoice and bill
// forms before they attempt a ledger write.
type CanPostResult struct {
	CanPost bool
	Period  *Period
	Reason  string
}

// CanPost reports whether a posting dated date would land in an open period.
func (s *Service) CanPost(ctx context.Context, date time.Time) (CanPostResult, error) {
	p, err := s.repo.FindByDate(ctx, date)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CanPostResult{Reason: "no fiscal period covers this date"}, nil
		}
		return CanPostResult{}, err
	}
	if p.Status != StatusOpen {
		return CanPostResult{Period: &p, Reason: fmt.Sprintf("period is %s", p.Status)}, nil
	}
	return CanPostResult{CanPost: true, Period: &p}, nil
}

// YearSummary aggregates a fiscal year's periods for the dashboard.
type YearSummary struct {
	FiscalYear    int
	Periods       []Period
	TotalPeriods  int
	OpenPeriods   int
	ClosedPeriods int
}

// YearsSummary groups all periods by fiscal year, newest year first.
func (s *Service) YearsSummary(ctx context.Context) ([]YearSummary, error) {
	periods, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	byYear := make(map[int]*YearSummary)
	var years []int
	for _, p := range periods {
		sum, ok := byYear[p.FiscalYear]
		if !ok {
			sum = &YearSummary{FiscalYear: p.FiscalYear}
			byYear[p.FiscalYear] = sum
			years = append(years, p.FiscalYear)
		}
		sum.Periods = append(sum.Periods, p)
		sum.TotalPeriods++
		switch p.Status {
		case StatusOpen:
			sum.OpenPeriods++
		case StatusClosed, StatusLocked:
			sum.ClosedPeriods++
		}
	}
	// ListAll is ordered ascending; the dashboard wants the newest year first.
	summaries := make([]YearSummary, 0, len(years))
	for i := len(years) - 1; i >= 0; i-- {
		summaries = append(summaries, *byYear[years[i]])
	}
	return summaries, nil
}
