package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"loyaltyd/internal/metrics"
	"loyaltyd/internal/retry"
)

// RetryDefaults carries the operator-configured transaction retry settings.
// Zero fields fall back to the package defaults.
type RetryDefaults struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// TxOptions configures one transactional call. Constructed per call, never
// persisted.
type TxOptions struct {
	// MaxRetries bounds total attempts, including the first. Zero means the
	// default of 3.
	MaxRetries int

	InitialDelay time.Duration

	// Name tags logs and errors with the business operation.
	Name string

	// Serializable runs the transaction at SERIALIZABLE isolation.
	Serializable bool

	// Timeout applies a statement timeout scoped to the transaction.
	Timeout time.Duration
}

// TxError reports a transaction that failed after exhausting retries. The
// underlying cause is retained for unwrapping.
type TxError struct {
	Name     string
	Attempts int
	Cause    error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction %s failed after %d attempts: %v", e.Name, e.Attempts, e.Cause)
}

func (e *TxError) Unwrap() error { return e.Cause }

// RetryableTxError marks a transient failure inside a transaction so the
// retry loop restarts the whole transaction rather than a single statement.
type RetryableTxError struct {
	Cause error
}

func (e *RetryableTxError) Error() string {
	return fmt.Sprintf("retryable transaction failure: %v", e.Cause)
}

func (e *RetryableTxError) Unwrap() error { return e.Cause }

func retryOpts(opts TxOptions) retry.Options {
	r := retry.DefaultOptions
	if opts.MaxRetries > 0 {
		r.MaxAttempts = opts.MaxRetries
	}
	if opts.InitialDelay > 0 {
		r.InitialDelay = opts.InitialDelay
	}
	r.Name = opts.Name
	r.IsRetryable = func(err error) bool {
		var retryable *RetryableTxError
		return errors.As(err, &retryable) || retry.IsRetryable(err)
	}
	r.OnRetry = func(int, error) {
		metrics.TxRetries.WithLabelValues(opts.Name).Inc()
	}
	return r
}

// translate converts a failed retry result into the error surfaced to the
// caller: exhausted retries become *TxError carrying the original cause,
// fatal errors propagate unmodified.
func translate(name string, res retry.Result[struct{}]) error {
	var exhausted *retry.ExhaustedError
	if errors.As(res.Err, &exhausted) {
		unwrapped := exhausted.Cause
		var retryable *RetryableTxError
		if errors.As(unwrapped, &retryable) {
			unwrapped = retryable.Cause
		}
		return &TxError{Name: name, Attempts: exhausted.Attempts, Cause: unwrapped}
	}

	var retryable *RetryableTxError
	if errors.As(res.Err, &retryable) {
		return retryable.Cause
	}
	return res.Err
}

// WithTransaction runs fn inside a database transaction, retrying the whole
// transaction from scratch on transient failures. fn must be idempotent or
// side-effect-free until commit: a retry re-runs it completely in a fresh
// transaction. Commit errors are classified too, since serialization
// failures commonly surface only at COMMIT.
func WithTransaction[T any](ctx context.Context, db *DB, opts TxOptions, fn func(*sqlx.Tx) (T, error)) (T, error) {
	var value T

	attempt := func(ctx context.Context) (struct{}, error) {
		var zero T
		value = zero

		txOpts := &sql.TxOptions{}
		if opts.Serializable {
			txOpts.Isolation = sql.LevelSerializable
		}

		tx, err := db.BeginTxx(ctx, txOpts)
		if err != nil {
			return struct{}{}, classified(fmt.Errorf("begin transaction: %w", err))
		}

		if opts.Timeout > 0 {
			// SET accepts no bind parameters; the value is a plain integer.
			stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.Timeout.Milliseconds())
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return struct{}{}, classified(fmt.Errorf("set statement timeout: %w", err))
			}
		}

		v, err := fn(tx)
		if err != nil {
			// Rollback before the retry decision so the next attempt starts
			// from a clean slate.
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				slog.Warn("Rollback failed", "transaction", opts.Name, "error", rbErr)
			}
			return struct{}{}, classified(err)
		}

		if err := tx.Commit(); err != nil {
			return struct{}{}, classified(fmt.Errorf("commit: %w", err))
		}

		value = v
		return struct{}{}, nil
	}

	res := retry.Do(ctx, attempt, retryOpts(opts))
	if !res.OK {
		var zero T
		return zero, translate(opts.Name, res)
	}
	return value, nil
}

// WithRetry applies the same retry machinery to a single operation without
// the transaction ceremony.
func WithRetry[T any](ctx context.Context, opts TxOptions, fn func(context.Context) (T, error)) (T, error) {
	var value T

	attempt := func(ctx context.Context) (struct{}, error) {
		v, err := fn(ctx)
		if err != nil {
			return struct{}{}, classified(err)
		}
		value = v
		return struct{}{}, nil
	}

	res := retry.Do(ctx, attempt, retryOpts(opts))
	if !res.OK {
		var zero T
		return zero, translate(opts.Name, res)
	}
	return value, nil
}

// classified tags transient failures so the retry loop distinguishes them
// from fatal ones without re-consulting the classifier at every layer.
func classified(err error) error {
	if retry.IsRetryable(err) {
		return &RetryableTxError{Cause: err}
	}
	return err
}
