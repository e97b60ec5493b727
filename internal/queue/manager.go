// Package queue implements the multi-queue job system: prioritized and
// delayed delivery, bounded-concurrency workers, per-job retry with
// exponential backoff, recurring schedules and drain-on-shutdown.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/infra/storage"
)

// Handler processes one job. The returned value is recorded as the job
// result; an error counts the attempt as failed and lets the retry policy
// decide on redelivery.
type Handler func(ctx context.Context, job *domain.Job) (any, error)

// Config holds queue manager settings.
type Config struct {
	PollInterval    time.Duration // worker idle poll (default 250ms)
	PromoteInterval time.Duration // delayed-job promotion (default 1s)
	PruneInterval   time.Duration // retention sweep (default 10m)
	DefaultAttempts int           // per-job attempts (default 3)
	RetryBaseDelay  time.Duration // job redelivery base (default 5s)
}

// DefaultConfig returns default manager configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:    250 * time.Millisecond,
		PromoteInterval: time.Second,
		PruneInterval:   10 * time.Minute,
		DefaultAttempts: 3,
		RetryBaseDelay:  5 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = d.PromoteInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
	if c.DefaultAttempts < 1 {
		c.DefaultAttempts = d.DefaultAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Priority domain.Priority
	Delay    time.Duration

	// JobID makes the enqueue idempotent: a live job with the same ID
	// absorbs the push. Empty means a fresh UUID.
	JobID string

	// Attempts overrides the configured per-job attempt limit.
	Attempts int

	// RepeatPattern re-enqueues the job on a cron schedule. Requires a
	// stable JobID so overlapping runs cannot pile up.
	RepeatPattern string
}

// Manager owns the queues, their workers and the background loops. It is
// constructed once at process start and injected into every producer and
// consumer; there is deliberately no package-level instance.
type Manager struct {
	cfg  Config
	repo storage.JobRepository
	log  *slog.Logger

	mu        sync.Mutex
	workers   []*worker
	schedules []*schedule
	started   bool

	runCtx    context.Context
	runCancel context.CancelFunc
	quit      chan struct{}
	wg        sync.WaitGroup

	closed   atomic.Bool
	stopOnce sync.Once
}

// NewManager creates a queue manager on the given backend.
func NewManager(repo storage.JobRepository, cfg Config) *Manager {
	return &Manager{
		cfg:  cfg.normalized(),
		repo: repo,
		quit: make(chan struct{}),
		log:  slog.Default().With("component", "queue"),
	}
}

// Enqueue adds a job to a queue. Infrastructure failures are logged and
// reported as a nil job: enqueue must never take down the caller's primary
// request path.
func (m *Manager) Enqueue(ctx context.Context, queue domain.QueueName, name string, payload any, opts EnqueueOptions) *domain.Job {
	if m.closed.Load() {
		m.log.Warn("Enqueue rejected, manager shut down", "queue", queue, "job", name)
		return nil
	}

	data, err := marshalPayload(payload)
	if err != nil {
		m.log.Warn("Failed to marshal job payload", "queue", queue, "job", name, "error", err)
		return nil
	}

	job := m.buildJob(queue, name, data, opts)

	if opts.RepeatPattern != "" {
		if err := m.addSchedule(job, opts); err != nil {
			m.log.Warn("Failed to register recurring job", "queue", queue, "job", name, "error", err)
			return nil
		}
		return job
	}

	created, err := m.repo.Push(ctx, job)
	if err != nil {
		m.log.Warn("Failed to enqueue job", "queue", queue, "job", name, "error", err)
		return nil
	}
	if !created {
		m.log.Debug("Duplicate enqueue absorbed", "queue", queue, "id", job.ID)
		existing, err := m.repo.Get(ctx, queue, job.ID)
		if err != nil {
			return nil
		}
		return existing
	}
	return job
}

func (m *Manager) buildJob(queue domain.QueueName, name string, payload json.RawMessage, opts EnqueueOptions) *domain.Job {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	priority := opts.Priority
	if priority == 0 {
		priority = domain.PriorityNormal
	}

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = m.cfg.DefaultAttempts
	}

	now := time.Now()
	job := &domain.Job{
		ID:            id,
		Queue:         queue,
		Name:          name,
		Payload:       payload,
		Priority:      priority,
		State:         domain.StateWaiting,
		MaxAttempts:   attempts,
		RepeatPattern: opts.RepeatPattern,
		EnqueuedAt:    now,
		ReadyAt:       now,
	}
	if opts.Delay > 0 {
		job.State = domain.StateDelayed
		job.ReadyAt = now.Add(opts.Delay)
	}
	return job
}

// RegisterWorker attaches a handler to a queue with bounded concurrency.
// Workers start running when Start is called.
func (m *Manager) RegisterWorker(queue domain.QueueName, handler Handler, concurrency int) error {
	if concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1, got %d", concurrency)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("workers must be registered before Start")
	}

	m.workers = append(m.workers, &worker{
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
	})
	return nil
}

// JobStatus looks up a job's external status. A missing or expired job
// yields (nil, nil).
func (m *Manager) JobStatus(ctx context.Context, queue domain.QueueName, id string) (*domain.JobStatus, error) {
	job, err := m.repo.Get(ctx, queue, id)
	if err == storage.ErrJobNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job.StatusView(), nil
}

// Start launches worker pools, the delayed-job promoter, the retention
// pruner and any recurring schedules.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("queue manager already started")
	}
	m.started = true

	m.runCtx, m.runCancel = context.WithCancel(ctx)

	for _, w := range m.workers {
		for i := 0; i < w.concurrency; i++ {
			m.wg.Add(1)
			go m.runWorker(w)
		}
		m.log.Info("Worker pool started", "queue", w.queue, "concurrency", w.concurrency)
	}

	m.wg.Add(2)
	go m.runPromoter()
	go m.runPruner()

	for _, s := range m.schedules {
		m.wg.Add(1)
		go m.runSchedule(s)
	}

	return nil
}

// Shutdown stops accepting work, drains in-flight jobs and stops the
// background loops. Idempotent; bounded by ctx. A caller needing a hard
// deadline wraps it with its own timeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		close(m.quit)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			m.log.Info("Queue manager drained")
		case <-ctx.Done():
			// Grace period over: cancel in-flight handlers and leave.
			m.log.Warn("Shutdown grace period expired, cancelling in-flight jobs")
			err = ctx.Err()
		}

		if m.runCancel != nil {
			m.runCancel()
		}
	})
	return err
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
