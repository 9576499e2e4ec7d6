package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mizan-legal/mizan/internal/platform/db"
)

// Repository is the durable period store.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPeriod(ctx context.Context, id uuid.UUID) (Period, error)
	ListByYear(ctx context.Context, year int) ([]Period, error)
	ListAll(ctx context.Context) ([]Period, error)
	Current(ctx context.Context, today time.Time) (Period, error)
	FindByDate(ctx context.Context, date time.Time) (Period, error)
}

// TxRepository exposes the write operations available inside a transaction.
// All writes are versioned; a stale version surfaces as ErrVersionConflict.
type TxRepository interface {
	YearExists(ctx context.Context, year int) (bool, error)
	InsertPeriods(ctx context.Context, periods []Period) error
	GetPeriodForUpdate(ctx context.Context, id uuid.UUID) (Period, error)
	ListYearForUpdate(ctx context.Context, year int) ([]Period, error)
	UpdatePeriod(ctx context.Context, p Period) (Period, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const periodColumns = `id, fiscal_year, period_number, name, name_ar, start_date, end_date, status,
opened_at, closed_at, locked_at, opening_balance_entry, opening_equity, closing_entry,
version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row rowScanner) (Period, error) {
	var p Period
	var openingEquity decimal.NullDecimal
	err := row.Scan(&p.ID, &p.FiscalYear, &p.PeriodNumber, &p.Name, &p.NameAr,
		&p.StartDate, &p.EndDate, &p.Status,
		&p.OpenedAt, &p.ClosedAt, &p.LockedAt,
		&p.OpeningBalanceEntry, &openingEquity, &p.ClosingEntry,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Period{}, err
	}
	if openingEquity.Valid {
		p.OpeningEquity = &openingEquity.Decimal
	}
	return p, nil
}

func collectPeriods(rows pgx.Rows) ([]Period, error) {
	defer rows.Close()
	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("fiscal: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

func (r *pgRepository) GetPeriod(ctx context.Context, id uuid.UUID) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE id=$1`, id)
	p, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrNotFound
		}
		return Period{}, err
	}
	return p, nil
}

func (r *pgRepository) ListByYear(ctx context.Context, year int) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE fiscal_year=$1 ORDER BY period_number`, year)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

func (r *pgRepository) ListAll(ctx context.Context) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM fiscal_periods ORDER BY fiscal_year, period_number`)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// Current returns the open period whose range contains today.
func (r *pgRepository) Current(ctx context.Context, today time.Time) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE status='open' AND $1 BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1`, today)
	p, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrNotFound
		}
		return Period{}, err
	}
	return p, nil
}

// FindByDate returns the period covering date regardless of status.
func (r *pgRepository) FindByDate(ctx context.Context, date time.Time) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE $1 BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1`, date)
	p, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrNotFound
		}
		return Period{}, err
	}
	return p, nil
}

type pgTxRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds the write operations to an externally managed
// transaction. Year-end closing uses this to update periods and post the
// closing entry as one atomic unit.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &pgTxRepository{tx: tx}
}

func (r *pgTxRepository) YearExists(ctx context.Context, year int) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fiscal_periods WHERE fiscal_year=$1)`, year).Scan(&exists)
	return exists, err
}

func (r *pgTxRepository) InsertPeriods(ctx context.Context, periods []Period) error {
	for _, p := range periods {
		_, err := r.tx.Exec(ctx, `INSERT INTO fiscal_periods
(id, fiscal_year, period_number, name, name_ar, start_date, end_date, status, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			p.ID, p.FiscalYear, p.PeriodNumber, p.Name, p.NameAr, p.StartDate, p.EndDate, p.Status, p.Version, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrDuplicateFiscalYear
			}
			return err
		}
	}
	return nil
}

func (r *pgTxRepository) GetPeriodForUpdate(ctx context.Context, id uuid.UUID) (Period, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE id=$1 FOR UPDATE`, id)
	p, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrNotFound
		}
		return Period{}, err
	}
	return p, nil
}

func (r *pgTxRepository) ListYearForUpdate(ctx context.Context, year int) ([]Period, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE fiscal_year=$1 ORDER BY period_number FOR UPDATE`, year)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// UpdatePeriod writes the period guarded by its version token. The stored
// version must match p.Version; the row comes back with version+1.
func (r *pgTxRepository) UpdatePeriod(ctx context.Context, p Period) (Period, error) {
	var openingEquity decimal.NullDecimal
	if p.OpeningEquity != nil {
		openingEquity = decimal.NewNullDecimal(*p.OpeningEquity)
	}
	row := r.tx.QueryRow(ctx, `UPDATE fiscal_periods SET
status=$2, opened_at=$3, closed_at=$4, locked_at=$5,
opening_balance_entry=$6, opening_equity=$7, closing_entry=$8,
version=version+1, updated_at=now()
WHERE id=$1 AND version=$9
RETURNING `+periodColumns,
		p.ID, p.Status, p.OpenedAt, p.ClosedAt, p.LockedAt,
		p.OpeningBalanceEntry, openingEquity, p.ClosingEntry, p.Version)
	updated, err := scanPeriod(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Period{}, err
	}
	// Distinguish a stale token from a missing row.
	var exists bool
	if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fiscal_periods WHERE id=$1)`, p.ID).Scan(&exists); err != nil {
		return Period{}, err
	}
	if exists {
		return Period{}, ErrVersionConflict
	}
	return Period{}, ErrNotFound
}
