package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"loyaltyd/internal/core/domain"
)

var errReset = errors.New("read tcp: connection reset by peer")

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return &DB{DB: sqlx.NewDb(mockDB, "sqlmock")}, mock
}

func fastOpts(name string, attempts int) TxOptions {
	return TxOptions{Name: name, MaxRetries: attempts, InitialDelay: time.Millisecond}
}

func TestWithTransactionRerunsWholeCallback(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	v, err := WithTransaction(context.Background(), db, fastOpts("rerun", 3), func(tx *sqlx.Tx) (int, error) {
		calls++
		if calls == 1 {
			return 0, errReset
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}
	if v != 7 {
		t.Errorf("value = %d, want 7", v)
	}
	if calls != 2 {
		t.Errorf("callback ran %d times, want 2 (one full re-run per attempt)", calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithTransactionFatalErrorNotRetried(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	fatal := errors.New("null value in column violates not-null constraint")
	calls := 0
	_, err := WithTransaction(context.Background(), db, fastOpts("fatal", 3), func(tx *sqlx.Tx) (int, error) {
		calls++
		return 0, fatal
	})
	if calls != 1 {
		t.Errorf("fatal error retried: callback ran %d times", calls)
	}
	if !errors.Is(err, fatal) {
		t.Errorf("fatal cause not propagated unmodified: %v", err)
	}
	var txErr *TxError
	if errors.As(err, &txErr) {
		t.Errorf("fatal error wrapped in TxError: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithTransactionExhaustionWrapsTxError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectRollback()

	cause := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	_, err := WithTransaction(context.Background(), db, fastOpts("exhaust", 2), func(tx *sqlx.Tx) (int, error) {
		return 0, cause
	})

	var txErr *TxError
	if !errors.As(err, &txErr) {
		t.Fatalf("error %v is not *TxError", err)
	}
	if txErr.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", txErr.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Errorf("original cause lost: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithTransactionCommitErrorRetried(t *testing.T) {
	db, mock := newMockDB(t)

	// Serialization failures commonly surface only at COMMIT; the whole
	// transaction must restart.
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errReset)
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	v, err := WithTransaction(context.Background(), db, fastOpts("commit", 3), func(tx *sqlx.Tx) (int, error) {
		calls++
		return calls, nil
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}
	if calls != 2 || v != 2 {
		t.Errorf("calls = %d, value = %d, want callback re-run after failed commit", calls, v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithTransactionAppliesStatementTimeout(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout = 1500").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	opts := fastOpts("timeout", 1)
	opts.Timeout = 1500 * time.Millisecond
	_, err := WithTransaction(context.Background(), db, opts, func(tx *sqlx.Tx) (struct{}, error) {
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithRetryFatalPassThrough(t *testing.T) {
	fatal := errors.New("invalid input syntax for type integer")
	calls := 0
	_, err := WithRetry(context.Background(), fastOpts("once", 3), func(ctx context.Context) (int, error) {
		calls++
		return 0, fatal
	})
	if calls != 1 {
		t.Errorf("fatal error retried: %d calls", calls)
	}
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v, want original cause", err)
	}
}

func TestWithRetryExhaustion(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), fastOpts("flaky", 2), func(ctx context.Context) (int, error) {
		calls++
		return 0, errReset
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	var txErr *TxError
	if !errors.As(err, &txErr) {
		t.Fatalf("error %v is not *TxError", err)
	}
	if !errors.Is(err, errReset) {
		t.Errorf("original cause lost: %v", err)
	}
}

func TestLedgerRepoHonorsConfiguredAttempts(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin().WillReturnError(errReset)
	mock.ExpectBegin().WillReturnError(errReset)

	repo := NewLedgerRepo(db, RetryDefaults{MaxAttempts: 2, InitialDelay: time.Millisecond})
	_, err := repo.Append(context.Background(), &domain.LedgerEntry{
		CustomerID: "cust-1",
		Kind:       domain.EntryAward,
		Points:     5,
		Reference:  "txn-1",
	})

	var txErr *TxError
	if !errors.As(err, &txErr) {
		t.Fatalf("error %v is not *TxError", err)
	}
	if txErr.Attempts != 2 {
		t.Errorf("attempts = %d, want the configured 2", txErr.Attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
