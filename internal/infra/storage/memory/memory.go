package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/infra/storage"
)

// MemoryStorage backs the balance cache and job queues with in-process maps.
// Used by tests and when no Redis URL is configured.
type MemoryStorage struct {
	balances map[string]int64
	jobs     map[domain.QueueName]map[string]*domain.Job
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		balances: make(map[string]int64),
		jobs:     make(map[domain.QueueName]map[string]*domain.Job),
	}
}

// -----------------------------------------------------------------------------
// Balance Repository
// -----------------------------------------------------------------------------

type BalanceRepo struct {
	store *MemoryStorage
}

func NewBalanceRepo(store *MemoryStorage) *BalanceRepo {
	return &BalanceRepo{store: store}
}

func (r *BalanceRepo) Get(ctx context.Context, customerID string) (int64, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	points, ok := r.store.balances[customerID]
	return points, ok, nil
}

func (r *BalanceRepo) Add(ctx context.Context, customerID string, delta int64) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.balances[customerID] += delta
	return r.store.balances[customerID], nil
}

func (r *BalanceRepo) Deduct(ctx context.Context, customerID string, delta int64) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	next := r.store.balances[customerID] - delta
	if next < 0 {
		next = 0
	}
	r.store.balances[customerID] = next
	return next, nil
}

func (r *BalanceRepo) Set(ctx context.Context, customerID string, points int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.balances[customerID] = points
	return nil
}

func (r *BalanceRepo) Ping(ctx context.Context) error { return nil }

// Drop simulates TTL expiry by removing an entry outright.
func (r *BalanceRepo) Drop(customerID string) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.balances, customerID)
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

// queue lazily creates the per-queue map; callers must hold the write lock.
func (r *JobRepo) queue(q domain.QueueName) map[string]*domain.Job {
	jobs, ok := r.store.jobs[q]
	if !ok {
		jobs = make(map[string]*domain.Job)
		r.store.jobs[q] = jobs
	}
	return jobs
}

// peek is the read-only lookup; a nil map is safe to range and index.
func (r *JobRepo) peek(q domain.QueueName) map[string]*domain.Job {
	return r.store.jobs[q]
}

func (r *JobRepo) Push(ctx context.Context, job *domain.Job) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	jobs := r.queue(job.Queue)
	if existing, ok := jobs[job.ID]; ok && !existing.State.Terminal() {
		return false, nil
	}

	clone := *job
	jobs[job.ID] = &clone
	return true, nil
}

func (r *JobRepo) PopReady(ctx context.Context, queue domain.QueueName) (*domain.Job, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var best *domain.Job
	for _, j := range r.queue(queue) {
		if j.State != domain.StateWaiting {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = domain.StateActive
	best.AttemptsMade++
	clone := *best
	return &clone, nil
}

func (r *JobRepo) PromoteDue(ctx context.Context, queue domain.QueueName, now time.Time, batch int64) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	promoted := 0
	for _, j := range r.queue(queue) {
		if int64(promoted) >= batch {
			break
		}
		if j.State == domain.StateDelayed && !j.ReadyAt.After(now) {
			j.State = domain.StateWaiting
			promoted++
		}
	}
	return promoted, nil
}

func (r *JobRepo) Complete(ctx context.Context, job *domain.Job, result json.RawMessage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job.State = domain.StateCompleted
	job.Result = result
	job.FinishedAt = time.Now()
	job.LastError = ""

	clone := *job
	r.queue(job.Queue)[job.ID] = &clone
	return nil
}

func (r *JobRepo) Fail(ctx context.Context, job *domain.Job, jobErr string, requeue bool, readyAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job.LastError = jobErr
	if requeue {
		job.State = domain.StateDelayed
		job.ReadyAt = readyAt
	} else {
		job.State = domain.StateFailed
		job.FinishedAt = time.Now()
	}

	clone := *job
	r.queue(job.Queue)[job.ID] = &clone
	return nil
}

func (r *JobRepo) Get(ctx context.Context, queue domain.QueueName, id string) (*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	job, ok := r.peek(queue)[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (r *JobRepo) PruneCompleted(ctx context.Context, queue domain.QueueName, olderThan time.Time, keep int64) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	jobs := r.queue(queue)
	removed := 0
	var retained []*domain.Job
	for id, j := range jobs {
		if j.State != domain.StateCompleted {
			continue
		}
		if j.FinishedAt.Before(olderThan) {
			delete(jobs, id)
			removed++
		} else {
			retained = append(retained, j)
		}
	}

	// Cap retained count regardless of age: drop oldest first.
	for int64(len(retained)) > keep {
		oldest := 0
		for i, j := range retained {
			if j.FinishedAt.Before(retained[oldest].FinishedAt) {
				oldest = i
			}
		}
		delete(jobs, retained[oldest].ID)
		retained = append(retained[:oldest], retained[oldest+1:]...)
		removed++
	}
	return removed, nil
}

func (r *JobRepo) PruneFailed(ctx context.Context, queue domain.QueueName, olderThan time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	jobs := r.queue(queue)
	removed := 0
	for id, j := range jobs {
		if j.State == domain.StateFailed && j.FinishedAt.Before(olderThan) {
			delete(jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (r *JobRepo) Depth(ctx context.Context, queue domain.QueueName) (int64, int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var waiting, delayed int64
	for _, j := range r.peek(queue) {
		switch j.State {
		case domain.StateWaiting:
			waiting++
		case domain.StateDelayed:
			delayed++
		}
	}
	return waiting, delayed, nil
}

// RecordFor mutates the stored record for tests that need to fabricate
// histories (e.g. ageing completed jobs for retention checks).
func (r *JobRepo) RecordFor(queue domain.QueueName, id string, mutate func(*domain.Job)) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if j, ok := r.queue(queue)[id]; ok {
		mutate(j)
	}
}
