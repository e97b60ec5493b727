package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"loyaltyd/internal/core/domain"
)

// LedgerRepo implements storage.LedgerRepository on PostgreSQL. Every write
// goes through WithTransaction so transient failures replay the whole
// mutation.
type LedgerRepo struct {
	db    *DB
	retry RetryDefaults
}

// NewLedgerRepo creates a PostgreSQL-backed ledger repository. retry sets
// the transaction retry policy; zero fields use the package defaults.
func NewLedgerRepo(db *DB, retry RetryDefaults) *LedgerRepo {
	return &LedgerRepo{db: db, retry: retry}
}

func (r *LedgerRepo) txOpts(name string, timeout time.Duration) TxOptions {
	return TxOptions{
		Name:         name,
		Timeout:      timeout,
		MaxRetries:   r.retry.MaxAttempts,
		InitialDelay: r.retry.InitialDelay,
	}
}

// Append writes one ledger entry and folds it into the balance snapshot
// atomically. The (reference, kind) unique constraint absorbs redelivered
// jobs: a duplicate entry is dropped and false is returned without touching
// the balance.
func (r *LedgerRepo) Append(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	opts := r.txOpts("ledger-append", 5*time.Second)

	return WithTransaction(ctx, r.db, opts, func(tx *sqlx.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (customer_id, kind, points, reference, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (reference, kind) DO NOTHING`,
			entry.CustomerID, entry.Kind, entry.Points, entry.Reference, entry.Reason,
			time.Now().Unix(),
		)
		if err != nil {
			return false, err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if inserted == 0 {
			return false, nil
		}

		delta := entry.Points
		if entry.Kind == domain.EntryReversal {
			delta = -delta
		}

		// Snapshot is clamped at zero, mirroring the cache semantics.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO customer_balances (customer_id, balance, updated_at)
			VALUES ($1, GREATEST(0, $2::bigint), $3)
			ON CONFLICT (customer_id) DO UPDATE
			SET balance    = GREATEST(0, customer_balances.balance + $2),
			    updated_at = EXCLUDED.updated_at`,
			entry.CustomerID, delta, time.Now().Unix(),
		)
		return err == nil, err
	})
}

// Balance returns the durable balance snapshot, zero for unknown customers.
func (r *LedgerRepo) Balance(ctx context.Context, customerID string) (int64, error) {
	opts := r.txOpts("ledger-balance", 0)

	return WithRetry(ctx, opts, func(ctx context.Context) (int64, error) {
		var balance int64
		err := r.db.GetContext(ctx, &balance,
			`SELECT balance FROM customer_balances WHERE customer_id = $1`, customerID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return balance, err
	})
}

// Entries lists a customer's ledger history, newest first.
func (r *LedgerRepo) Entries(ctx context.Context, customerID string, limit int) ([]*domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var entries []*domain.LedgerEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT id, customer_id, kind, points, reference, reason, created_at
		FROM ledger_entries
		WHERE customer_id = $1
		ORDER BY id DESC
		LIMIT $2`, customerID, limit)
	return entries, err
}
