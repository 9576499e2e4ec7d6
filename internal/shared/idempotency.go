package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore persists processed keys together with the result of the
// first successful invocation so that retries replay instead of re-executing.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// ErrIdempotencyInFlight indicates the key is claimed but no result has been
// recorded yet; the caller should retry later.
var ErrIdempotencyInFlight = errors.New("idempotent request still in flight")

// CheckAndInsert claims a key for the given module. A unique violation maps
// to ErrIdempotencyConflict; the caller then loads the stored result.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, time.Now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// SaveResult records the outcome of the first successful invocation.
func (s *IdempotencyStore) SaveResult(ctx context.Context, key string, result any) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE idempotency_keys SET result=$2 WHERE key=$1`, key, data)
	return err
}

// LoadResult unmarshals the stored result into target. A claimed key with no
// recorded result yields ErrIdempotencyInFlight.
func (s *IdempotencyStore) LoadResult(ctx context.Context, key string, target any) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM idempotency_keys WHERE key=$1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrIdempotencyInFlight
		}
		return err
	}
	if len(data) == 0 {
		return ErrIdempotencyInFlight
	}
	return json.Unmarshal(data, target)
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1`, key)
	return err
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	return err
}
