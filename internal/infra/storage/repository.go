package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"loyaltyd/internal/core/domain"
)

var (
	// ErrJobNotFound is returned when a job lookup misses.
	ErrJobNotFound = errors.New("job not found")
)

// BalanceRepository is the points cache keyed by customer ID. It is advisory:
// entries expire and every caller must tolerate a missing value.
type BalanceRepository interface {
	// Get retrieves the cached balance. found is false on a miss; callers
	// treat a miss as zero (or rehydrate from the durable ledger).
	Get(ctx context.Context, customerID string) (points int64, found bool, err error)

	// Add atomically credits delta and refreshes the TTL, returning the new
	// balance. The increment must be a single atomic operation, not
	// read-modify-write.
	Add(ctx context.Context, customerID string, delta int64) (int64, error)

	// Deduct atomically debits delta, clamping at zero, and refreshes the
	// TTL. Returns the new balance.
	Deduct(ctx context.Context, customerID string, delta int64) (int64, error)

	// Set overwrites the cached balance (used when rehydrating from the
	// durable ledger).
	Set(ctx context.Context, customerID string, points int64) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error
}

// JobRepository is the durable queue backend. State transitions are owned by
// the queue manager; the repository persists them.
type JobRepository interface {
	// Push stores a new job in waiting (or delayed when ReadyAt is in the
	// future). Returns false without error when a live job with the same ID
	// already exists; enqueue is idempotent by job ID.
	Push(ctx context.Context, job *domain.Job) (bool, error)

	// PopReady claims the highest-priority ready job and marks it active,
	// incrementing AttemptsMade. Returns nil when the queue is empty.
	PopReady(ctx context.Context, queue domain.QueueName) (*domain.Job, error)

	// PromoteDue moves delayed jobs whose ReadyAt has passed into waiting.
	// Returns the number promoted.
	PromoteDue(ctx context.Context, queue domain.QueueName, now time.Time, batch int64) (int, error)

	// Complete transitions an active job to completed and records its result.
	Complete(ctx context.Context, job *domain.Job, result json.RawMessage) error

	// Fail records a handler failure. With requeue true the job re-enters
	// delayed with the given ReadyAt; otherwise it is terminally failed.
	Fail(ctx context.Context, job *domain.Job, jobErr string, requeue bool, readyAt time.Time) error

	// Get retrieves a job by ID. Returns ErrJobNotFound on a miss.
	Get(ctx context.Context, queue domain.QueueName, id string) (*domain.Job, error)

	// PruneCompleted drops completed jobs finished before olderThan, and
	// trims the retained set down to keep entries.
	PruneCompleted(ctx context.Context, queue domain.QueueName, olderThan time.Time, keep int64) (int, error)

	// PruneFailed drops terminally failed jobs finished before olderThan.
	PruneFailed(ctx context.Context, queue domain.QueueName, olderThan time.Time) (int, error)

	// Depth reports waiting and delayed counts for monitoring.
	Depth(ctx context.Context, queue domain.QueueName) (waiting, delayed int64, err error)
}

// LedgerRepository is the durable points ledger. Optional: when no database
// is configured the cache is the only store, an accepted limitation.
type LedgerRepository interface {
	// Append records one balance mutation and updates the balance snapshot
	// in a single transaction. Returns false when an entry with the same
	// (reference, kind) already exists, so redelivered jobs cannot
	// double-post.
	Append(ctx context.Context, entry *domain.LedgerEntry) (bool, error)

	// Balance returns the durable balance snapshot, zero when the customer
	// has no entries.
	Balance(ctx context.Context, customerID string) (int64, error)
}
