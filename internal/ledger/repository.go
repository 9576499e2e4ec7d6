package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository reads posted ledger rows. All methods are pure reads; posting
// happens only inside the year-end transaction through TxRepository.
type Repository interface {
	BucketTotals(ctx context.Context, from, to time.Time) (map[AccountType]decimal.Decimal, error)
	AccountActivity(ctx context.Context, from, to time.Time, types []AccountType) ([]AccountActivity, error)
	RetainedEarningsAccount(ctx context.Context) (Account, error)
}

// TxRepository adds the write operation available inside a transaction.
type TxRepository interface {
	Repository
	InsertJournalEntry(ctx context.Context, entry JournalEntry) error
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgRepository struct {
	q querier
}

// NewRepository constructs the PostgreSQL-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{q: pool}
}

// NewTxRepository binds the repository to an externally managed transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &pgRepository{q: tx}
}

// bucketTotalsSQL signs each line by the account's natural balance: debit
// minus credit for assets and expenses, credit minus debit otherwise.
const bucketTotalsSQL = `SELECT a.type,
COALESCE(SUM(CASE WHEN a.type IN ('asset','expense') THEN l.debit - l.credit ELSE l.credit - l.debit END), 0)
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
JOIN accounts a ON a.id = l.account_id
WHERE e.status = 'posted' AND e.entry_date BETWEEN $1 AND $2
GROUP BY a.type`

func (r *pgRepository) BucketTotals(ctx context.Context, from, to time.Time) (map[AccountType]decimal.Decimal, error) {
	rows, err := r.q.Query(ctx, bucketTotalsSQL, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	totals := make(map[AccountType]decimal.Decimal)
	for rows.Next() {
		var typ AccountType
		var total decimal.Decimal
		if err := rows.Scan(&typ, &total); err != nil {
			return nil, err
		}
		totals[typ] = total
	}
	return totals, rows.Err()
}

const accountActivitySQL = `SELECT a.id, a.code, a.name, a.type, a.retained_earnings, a.is_active, a.created_at, a.updated_at,
COALESCE(SUM(CASE WHEN a.type IN ('asset','expense') THEN l.debit - l.credit ELSE l.credit - l.debit END), 0) AS net
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
JOIN accounts a ON a.id = l.account_id
WHERE e.status = 'posted' AND e.entry_date BETWEEN $1 AND $2 AND a.type = ANY($3)
GROUP BY a.id, a.code, a.name, a.type, a.retained_earnings, a.is_active, a.created_at, a.updated_at
ORDER BY a.code`

func (r *pgRepository) AccountActivity(ctx context.Context, from, to time.Time, types []AccountType) ([]AccountActivity, error) {
	typeNames := make([]string, 0, len(types))
	for _, t := range types {
		typeNames = append(typeNames, string(t))
	}
	rows, err := r.q.Query(ctx, accountActivitySQL, from, to, typeNames)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var activity []AccountActivity
	for rows.Next() {
		var a AccountActivity
		err := rows.Scan(&a.Account.ID, &a.Account.Code, &a.Account.Name, &a.Account.Type,
			&a.Account.RetainedEarnings, &a.Account.IsActive, &a.Account.CreatedAt, &a.Account.UpdatedAt, &a.Net)
		if err != nil {
			return nil, err
		}
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

func (r *pgRepository) RetainedEarningsAccount(ctx context.Context) (Account, error) {
	var a Account
	err := r.q.QueryRow(ctx, `SELECT id, code, name, type, retained_earnings, is_active, created_at, updated_at
FROM accounts WHERE retained_earnings AND is_active ORDER BY code LIMIT 1`).
		Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.RetainedEarnings, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrRetainedEarningsMissing
		}
		return Account{}, err
	}
	return a, nil
}

// InsertJournalEntry writes the entry and its lines. The entry must already
// have passed Validate; the database check constraints back that up.
func (r *pgRepository) InsertJournalEntry(ctx context.Context, entry JournalEntry) error {
	_, err := r.q.Exec(ctx, `INSERT INTO journal_entries (id, entry_date, memo, source, status, posted_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.EntryDate, entry.Memo, entry.Source, entry.Status, entry.PostedAt)
	if err != nil {
		return err
	}
	for _, line := range entry.Lines {
		_, err := r.q.Exec(ctx, `INSERT INTO journal_lines (id, entry_id, account_id, debit, credit)
VALUES ($1,$2,$3,$4,$5)`,
			line.ID, line.EntryID, line.AccountID, line.Debit, line.Credit)
		if err != nil {
			return err
		}
	}
	return nil
}
