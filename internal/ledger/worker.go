// Package ledger implements the loyalty-points pipeline: job handlers that
// mutate the balance cache, post to the durable ledger when one is
// configured, and chain follow-up work.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/infra/storage"
	"loyaltyd/internal/metrics"
	"loyaltyd/internal/queue"
)

// rewardsDelay spaces the eligibility check behind the balance write so the
// write is observably settled first.
const rewardsDelay = 5 * time.Second

// SyncFunc reconciles one customer with the external loyalty system. It must
// succeed or fail atomically per customer.
type SyncFunc func(ctx context.Context, customerID string, balance int64) error

// Worker consumes loyalty jobs. The durable ledger is optional: with ledger
// nil, the cache is the only store and a miss reads as zero, an accepted
// limitation.
type Worker struct {
	balances storage.BalanceRepository
	ledger   storage.LedgerRepository
	queue    *queue.Manager
	sync     SyncFunc
	log      *slog.Logger
}

// NewWorker creates the loyalty job consumer. ledger and sync may be nil.
func NewWorker(balances storage.BalanceRepository, ledger storage.LedgerRepository, mgr *queue.Manager, sync SyncFunc) *Worker {
	if sync == nil {
		sync = func(context.Context, string, int64) error { return nil }
	}
	return &Worker{
		balances: balances,
		ledger:   ledger,
		queue:    mgr,
		sync:     sync,
		log:      slog.Default().With("component", "ledger"),
	}
}

// Register attaches the worker to the loyalty queue with bounded concurrency.
func (w *Worker) Register(concurrency int) error {
	return w.queue.RegisterWorker(domain.QueueLoyalty, w.Handle, concurrency)
}

// Enqueue puts a loyalty job on the queue. Thin wrapper so callers outside
// the pipeline never name the queue directly.
func Enqueue(ctx context.Context, mgr *queue.Manager, jobName string, payload any, opts queue.EnqueueOptions) *domain.Job {
	return mgr.Enqueue(ctx, domain.QueueLoyalty, jobName, payload, opts)
}

// Handle dispatches one job to its handler by name.
func (w *Worker) Handle(ctx context.Context, job *domain.Job) (any, error) {
	switch job.Name {
	case domain.JobProcessTransaction:
		return w.processTransaction(ctx, job)
	case domain.JobApplyPoints:
		return w.applyPoints(ctx, job)
	case domain.JobReversePoints:
		return w.reversePoints(ctx, job)
	case domain.JobCalculateRewards:
		return w.calculateRewards(ctx, job)
	case domain.JobSyncLoyaltyStatus:
		return w.syncLoyaltyStatus(ctx, job)
	default:
		return nil, fmt.Errorf("unknown loyalty job %q", job.Name)
	}
}

// processTransaction awards one point per whole currency unit spent and
// chains a low-priority reward-eligibility check.
func (w *Worker) processTransaction(ctx context.Context, job *domain.Job) (any, error) {
	var p domain.ProcessTransactionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.CustomerID == "" || p.TransactionID == "" {
		return nil, fmt.Errorf("payload missing customer or transaction id")
	}

	points := int64(math.Floor(p.Amount)) * domain.PointsPerUnit
	if points < 0 {
		return nil, fmt.Errorf("negative transaction amount %.2f", p.Amount)
	}

	posted, err := w.post(ctx, &domain.LedgerEntry{
		CustomerID: p.CustomerID,
		Kind:       domain.EntryAward,
		Points:     points,
		Reference:  p.TransactionID,
		Reason:     "purchase",
	})
	if err != nil {
		return nil, err
	}

	var newTotal int64
	if posted {
		newTotal = w.credit(ctx, p.CustomerID, points)
		metrics.PointsAwarded.Add(float64(points))
	} else {
		w.log.Info("Duplicate transaction absorbed", "customer", p.CustomerID, "transaction", p.TransactionID)
		newTotal = w.currentBalance(ctx, p.CustomerID)
	}

	if job := w.queue.Enqueue(ctx, domain.QueueLoyalty, domain.JobCalculateRewards,
		domain.CalculateRewardsPayload{CustomerID: p.CustomerID},
		queue.EnqueueOptions{Priority: domain.PriorityLow, Delay: rewardsDelay},
	); job == nil {
		// Follow-up loss is tolerable: the next award recomputes eligibility.
		w.log.Warn("Failed to chain rewards check", "customer", p.CustomerID)
	}

	return map[string]int64{"points_awarded": points, "new_balance": newTotal}, nil
}

// applyPoints credits a positive adjustment. Negative adjustments must go
// through reverse-points; rejecting them here is a fatal, non-retried error.
func (w *Worker) applyPoints(ctx context.Context, job *domain.Job) (any, error) {
	var p domain.ApplyPointsPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.CustomerID == "" {
		return nil, fmt.Errorf("payload missing customer id")
	}
	if p.Points <= 0 {
		return nil, fmt.Errorf("apply-points requires positive points, got %d", p.Points)
	}

	posted, err := w.post(ctx, &domain.LedgerEntry{
		CustomerID: p.CustomerID,
		Kind:       domain.EntryAdjust,
		Points:     p.Points,
		Reference:  job.ID,
		Reason:     p.Reason,
	})
	if err != nil {
		return nil, err
	}

	var newTotal int64
	if posted {
		newTotal = w.credit(ctx, p.CustomerID, p.Points)
		metrics.PointsAwarded.Add(float64(p.Points))
	} else {
		newTotal = w.currentBalance(ctx, p.CustomerID)
	}
	return map[string]int64{"new_balance": newTotal}, nil
}

// reversePoints debits points with the balance clamped at zero.
func (w *Worker) reversePoints(ctx context.Context, job *domain.Job) (any, error) {
	var p domain.ReversePointsPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.CustomerID == "" {
		return nil, fmt.Errorf("payload missing customer id")
	}
	if p.Points <= 0 {
		return nil, fmt.Errorf("reverse-points requires positive points, got %d", p.Points)
	}

	posted, err := w.post(ctx, &domain.LedgerEntry{
		CustomerID: p.CustomerID,
		Kind:       domain.EntryReversal,
		Points:     p.Points,
		Reference:  job.ID,
		Reason:     p.Reason,
	})
	if err != nil {
		return nil, err
	}

	var newTotal int64
	if posted {
		newTotal, err = w.balances.Deduct(ctx, p.CustomerID, p.Points)
		if err != nil {
			w.log.Warn("Balance cache unavailable on reversal", "customer", p.CustomerID, "error", err)
			newTotal = w.durableBalance(ctx, p.CustomerID)
		}
		metrics.PointsReversed.Add(float64(p.Points))
	} else {
		newTotal = w.currentBalance(ctx, p.CustomerID)
	}
	return map[string]int64{"new_balance": newTotal}, nil
}

// calculateRewards recomputes reward eligibility at the fixed exchange rate.
func (w *Worker) calculateRewards(ctx context.Context, job *domain.Job) (any, error) {
	var p domain.CalculateRewardsPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.CustomerID == "" {
		return nil, fmt.Errorf("payload missing customer id")
	}

	balance := w.currentBalance(ctx, p.CustomerID)
	rewards := balance / domain.PointsPerReward

	w.log.Debug("Rewards recomputed", "customer", p.CustomerID, "balance", balance, "rewards", rewards)
	return map[string]int64{"available_rewards": rewards, "balance": balance}, nil
}

// syncLoyaltyStatus reconciles one customer with the external loyalty
// system.
func (w *Worker) syncLoyaltyStatus(ctx context.Context, job *domain.Job) (any, error) {
	var p domain.SyncLoyaltyStatusPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.CustomerID == "" {
		return nil, fmt.Errorf("payload missing customer id")
	}

	balance := w.currentBalance(ctx, p.CustomerID)
	if err := w.sync(ctx, p.CustomerID, balance); err != nil {
		return nil, fmt.Errorf("sync customer %s: %w", p.CustomerID, err)
	}
	return map[string]int64{"synced_balance": balance}, nil
}

// post writes the durable entry when a ledger is configured. Returns whether
// the entry was newly posted (false on idempotent redelivery).
func (w *Worker) post(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	if w.ledger == nil {
		return true, nil
	}
	return w.ledger.Append(ctx, entry)
}

// credit adds points to the cache. Cache failure is never fatal to the job:
// the durable ledger (when present) already holds the truth.
func (w *Worker) credit(ctx context.Context, customerID string, points int64) int64 {
	total, err := w.balances.Add(ctx, customerID, points)
	if err != nil {
		w.log.Warn("Balance cache unavailable on credit", "customer", customerID, "error", err)
		return w.durableBalance(ctx, customerID)
	}
	return total
}

// currentBalance reads the cached balance, rehydrating from the durable
// ledger on a miss. Without a ledger, a miss reads as zero: a known
// under-count after TTL expiry.
func (w *Worker) currentBalance(ctx context.Context, customerID string) int64 {
	cached, found, err := w.balances.Get(ctx, customerID)
	if err != nil {
		w.log.Warn("Balance cache unavailable on read", "customer", customerID, "error", err)
	} else if found {
		return cached
	}

	metrics.CacheMisses.Inc()
	if w.ledger == nil {
		w.log.Warn("Balance cache miss, treating as zero", "customer", customerID)
		return 0
	}

	balance := w.durableBalance(ctx, customerID)
	if err := w.balances.Set(ctx, customerID, balance); err != nil {
		w.log.Warn("Failed to rehydrate balance cache", "customer", customerID, "error", err)
	}
	return balance
}

func (w *Worker) durableBalance(ctx context.Context, customerID string) int64 {
	if w.ledger == nil {
		return 0
	}
	balance, err := w.ledger.Balance(ctx, customerID)
	if err != nil {
		w.log.Warn("Failed to read durable balance", "customer", customerID, "error", err)
		return 0
	}
	return balance
}
