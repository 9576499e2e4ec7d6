// Package yearend orchestrates year-end closing: one atomic unit of work that
// posts the closing entry, closes every period of the year, and seeds the
// following year's opening balance reference.
package yearend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mizan-legal/mizan/internal/fiscal"
	"github.com/mizan-legal/mizan/internal/ledger"
	"github.com/mizan-legal/mizan/internal/platform/db"
)

// TxRepository is the combined write surface of one closing transaction:
// period updates and ledger posting share the same pgx.Tx, so either all of
// it commits or none of it does.
type TxRepository interface {
	fiscal.TxRepository
	ledger.TxRepository
}

// Repository owns the closing transaction boundary.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// Aliases keep the embedded field names distinct.
type fiscalTx = fiscal.TxRepository
type ledgerTx = ledger.TxRepository

type pgTxRepository struct {
	fiscalTx
	ledgerTx
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("yearend: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{
			fiscalTx: fiscal.NewTxRepository(tx),
			ledgerTx: ledger.NewTxRepository(tx),
		})
	})
}
