package yearend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mizan-legal/mizan/internal/fiscal"
	"github.com/mizan-legal/mizan/internal/ledger"
	"github.com/mizan-legal/mizan/internal/shared"
)

var (
	// ErrIncompleteFiscalYear indicates a period left future (or missing) at
	// close time.
	ErrIncompleteFiscalYear = errors.New("yearend: fiscal year incomplete")
	// ErrUnbalancedYearEnd indicates the aggregate balance invariant fails.
	ErrUnbalancedYearEnd = errors.New("yearend: ledger is not balanced")
	// ErrAlreadyClosed indicates the year completed year-end closing before.
	ErrAlreadyClosed = errors.New("yearend: fiscal year already closed")
	// ErrCloseInProgress indicates a concurrent close holds the year; the
	// caller should retry with backoff.
	ErrCloseInProgress = errors.New("yearend: close already in progress")
)

const idempotencyModule = "year_end_closing"

// Result is the outcome of one closing invocation; it is stored against the
// idempotency key so retries replay it instead of posting twice.
type Result struct {
	FiscalYear     int             `json:"fiscalYear"`
	ClosingEntryID uuid.UUID       `json:"closingEntryId"`
	PeriodsClosed  int             `json:"periodsClosed"`
	NextPeriodID   uuid.UUID       `json:"nextPeriodId"`
	NetIncome      decimal.Decimal `json:"netIncome"`
	CarriedEquity  decimal.Decimal `json:"carriedEquity"`
}

// IdempotencyStore is the slice of shared.IdempotencyStore the coordinator
// needs; declared here so tests can swap an in-memory one.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	SaveResult(ctx context.Context, key string, result any) error
	LoadResult(ctx context.Context, key string, target any) error
	Delete(ctx context.Context, key string) error
}

// Locker serializes concurrent closes of the same year across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Service coordinates year-end closing.
type Service struct {
	repo    Repository
	periods fiscal.Repository
	calc    *ledger.Calculator
	store   IdempotencyStore
	locker  Locker
	logger  *slog.Logger
	lockTTL time.Duration
	now     func() time.Time
}

// NewService constructs the coordinator.
func NewService(repo Repository, periods fiscal.Repository, calc *ledger.Calculator, store IdempotencyStore, locker Locker, logger *slog.Logger, lockTTL time.Duration) *Service {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Service{
		repo:    repo,
		periods: periods,
		calc:    calc,
		store:   store,
		locker:  locker,
		logger:  logger,
		lockTTL: lockTTL,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CloseFiscalYear closes every period of year as one atomic unit of work:
// it validates the year, posts the closing entry, transitions all periods to
// closed, and seeds the next year's first period with the carried-forward
// equity reference. idemKey is the client-supplied idempotency key; retrying
// with the same key replays the stored result without posting again.
func (s *Service) CloseFiscalYear(ctx context.Context, year int, idemKey string) (Result, error) {
	if idemKey == "" {
		return Result{}, errors.New("yearend: idempotency key required")
	}

	if err := s.store.CheckAndInsert(ctx, idemKey, idempotencyModule); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return s.replay(ctx, year, idemKey)
		}
		return Result{}, err
	}

	release, err := s.locker.Acquire(ctx, shared.CloseYearLockKey(year), s.lockTTL)
	if err != nil {
		// The key claim is rolled back so the caller's retry starts fresh.
		_ = s.store.Delete(ctx, idemKey)
		if errors.Is(err, shared.ErrLockHeld) {
			return Result{}, ErrCloseInProgress
		}
		return Result{}, err
	}
	defer func() {
		if err := release(ctx); err != nil && s.logger != nil {
			s.logger.Warn("release close-year lock", slog.Int("year", year), slog.Any("error", err))
		}
	}()

	result, err := s.run(ctx, year)
	if err != nil {
		_ = s.store.Delete(ctx, idemKey)
		return Result{}, err
	}
	if err := s.store.SaveResult(ctx, idemKey, result); err != nil {
		// The close committed; losing the replay record must not fail it.
		if s.logger != nil {
			s.logger.Warn("save close-year result", slog.Int("year", year), slog.Any("error", err))
		}
	}
	if s.logger != nil {
		s.logger.Info("fiscal year closed",
			slog.Int("year", year),
			slog.String("closing_entry", result.ClosingEntryID.String()),
			slog.Int("periods_closed", result.PeriodsClosed),
		)
	}
	return result, nil
}

// replay returns the stored result of a previously processed key.
func (s *Service) replay(ctx context.Context, year int, idemKey string) (Result, error) {
	var result Result
	if err := s.store.LoadResult(ctx, idemKey, &result); err != nil {
		if errors.Is(err, shared.ErrIdempotencyInFlight) {
			return Result{}, ErrCloseInProgress
		}
		return Result{}, err
	}
	if result.FiscalYear != year {
		return Result{}, fmt.Errorf("yearend: idempotency key was used for year %d, not %d", result.FiscalYear, year)
	}
	return result, nil
}

// precheck fast-fails on obviously unclosable years before the transaction
// is opened. The transaction re-validates everything under row locks; this
// only avoids burning a lock and a transaction on a year that cannot close.
func (s *Service) precheck(ctx context.Context, year int) error {
	periods, err := s.periods.ListByYear(ctx, year)
	if err != nil {
		return err
	}
	if len(periods) == 0 {
		return fiscal.ErrNotFound
	}
	balances, err := s.calc.ForRange(ctx, periods[0].StartDate, periods[len(periods)-1].EndDate)
	if err != nil {
		return err
	}
	if !balances.IsBalanced {
		return fmt.Errorf("%w: assets %s, liabilities+equity %s", ErrUnbalancedYearEnd,
			balances.TotalAssets, balances.TotalLiabilities.Add(balances.TotalEquity))
	}
	return nil
}

func (s *Service) run(ctx context.Context, year int) (Result, error) {
	if err := s.precheck(ctx, year); err != nil {
		return Result{}, err
	}

	var result Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		periods, err := tx.ListYearForUpdate(ctx, year)
		if err != nil {
			return err
		}
		if len(periods) == 0 {
			return fiscal.ErrNotFound
		}
		if err := validatePeriods(periods); err != nil {
			return err
		}

		from := periods[0].StartDate
		to := periods[len(periods)-1].EndDate

		totals, err := tx.BucketTotals(ctx, from, to)
		if err != nil {
			return err
		}
		balances := ledger.ComputeBalances(totals)
		if !balances.IsBalanced {
			return fmt.Errorf("%w: assets %s, liabilities+equity %s", ErrUnbalancedYearEnd,
				balances.TotalAssets, balances.TotalLiabilities.Add(balances.TotalEquity))
		}

		activity, err := tx.AccountActivity(ctx, from, to, []ledger.AccountType{ledger.AccountTypeIncome, ledger.AccountTypeExpense})
		if err != nil {
			return err
		}
		retained, err := tx.RetainedEarningsAccount(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		entry, err := ledger.BuildClosingEntry(retained, activity, to, now)
		if err != nil {
			return err
		}
		if err := tx.InsertJournalEntry(ctx, entry); err != nil {
			return err
		}

		closed := 0
		for _, p := range periods {
			if p.Status == fiscal.StatusOpen {
				if err := fiscal.ApplyTransition(&p, fiscal.StatusClosed, now); err != nil {
					return err
				}
				closed++
			}
			p.ClosingEntry = &entry.ID
			if _, err := tx.UpdatePeriod(ctx, p); err != nil {
				return err
			}
		}

		carried := balances.TotalEquity.Add(balances.NetIncome)
		next, err := s.ensureNextYear(ctx, tx, periods, now)
		if err != nil {
			return err
		}
		next.OpeningBalanceEntry = &entry.ID
		next.OpeningEquity = &carried
		if _, err := tx.UpdatePeriod(ctx, next); err != nil {
			return err
		}

		result = Result{
			FiscalYear:     year,
			ClosingEntryID: entry.ID,
			PeriodsClosed:  closed,
			NextPeriodID:   next.ID,
			NetIncome:      balances.NetIncome,
			CarriedEquity:  carried,
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// validatePeriods enforces the closing preconditions on the locked rows.
func validatePeriods(periods []fiscal.Period) error {
	allMarked := true
	for _, p := range periods {
		if p.ClosingEntry == nil {
			allMarked = false
		}
	}
	if allMarked {
		return ErrAlreadyClosed
	}
	if len(periods) < 12 {
		return fmt.Errorf("%w: only %d of 12 periods exist", ErrIncompleteFiscalYear, len(periods))
	}
	for _, p := range periods {
		switch p.Status {
		case fiscal.StatusFuture:
			return fmt.Errorf("%w: period %d is still future", ErrIncompleteFiscalYear, p.PeriodNumber)
		case fiscal.StatusLocked:
			return fmt.Errorf("%w: period %d is locked", fiscal.ErrInvalidTransition, p.PeriodNumber)
		}
	}
	return nil
}

// ensureNextYear provisions year+1 when the UI has not done so yet. The
// start month carries over from the closed year.
func (s *Service) ensureNextYear(ctx context.Context, tx TxRepository, periods []fiscal.Period, now time.Time) (fiscal.Period, error) {
	year := periods[0].FiscalYear
	next, err := tx.ListYearForUpdate(ctx, year+1)
	if err != nil {
		return fiscal.Period{}, err
	}
	if len(next) > 0 {
		return next[0], nil
	}
	built, err := fiscal.BuildFiscalYear(fiscal.CreateFiscalYearInput{
		FiscalYear: year + 1,
		StartMonth: int(periods[0].StartDate.Month()),
	}, now)
	if err != nil {
		return fiscal.Period{}, err
	}
	if err := tx.InsertPeriods(ctx, built); err != nil {
		return fiscal.Period{}, err
	}
	return built[0], nil
}
