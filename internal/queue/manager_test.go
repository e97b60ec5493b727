package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/infra/storage/memory"
)

// fastConfig keeps the background loops tight so tests settle quickly.
func fastConfig() Config {
	return Config{
		PollInterval:    5 * time.Millisecond,
		PromoteInterval: 5 * time.Millisecond,
		PruneInterval:   time.Minute,
		DefaultAttempts: 3,
		RetryBaseDelay:  10 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, handler Handler) *Manager {
	t.Helper()
	m := NewManager(memory.NewJobRepo(memory.NewMemoryStorage()), fastConfig())
	if handler != nil {
		if err := m.RegisterWorker(domain.QueueLoyalty, handler, 1); err != nil {
			t.Fatalf("RegisterWorker failed: %v", err)
		}
	}
	return m
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
}

// waitForState polls a job's status until it reaches the wanted state.
func waitForState(t *testing.T, m *Manager, queue domain.QueueName, id string, want domain.JobState) *domain.JobStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := m.JobStatus(context.Background(), queue, id)
		if err != nil {
			t.Fatalf("JobStatus failed: %v", err)
		}
		if status != nil && status.State == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", id, want)
	return nil
}

func TestEnqueueAndComplete(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, job *domain.Job) (any, error) {
		return map[string]string{"ok": "true"}, nil
	})

	job := m.Enqueue(context.Background(), domain.QueueLoyalty, "noop", nil, EnqueueOptions{})
	if job == nil {
		t.Fatal("Enqueue returned nil job")
	}
	if job.State != domain.StateWaiting {
		t.Errorf("new job state = %s, want %s", job.State, domain.StateWaiting)
	}

	startManager(t, m)

	status := waitForState(t, m, domain.QueueLoyalty, job.ID, domain.StateCompleted)
	if status.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", status.Attempts)
	}
	if len(status.Result) == 0 {
		t.Error("completed job has no result")
	}
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)

	m := newTestManager(t, func(ctx context.Context, job *domain.Job) (any, error) {
		mu.Lock()
		order = append(order, job.Name)
		mu.Unlock()
		done <- struct{}{}
		return nil, nil
	})

	// Enqueued before Start so the single worker sees all three at once.
	for _, j := range []struct {
		name     string
		priority domain.Priority
	}{
		{"low", domain.PriorityLow},
		{"normal", domain.PriorityNormal},
		{"critical", domain.PriorityCritical},
	} {
		if m.Enqueue(context.Background(), domain.QueueLoyalty, j.name, nil, EnqueueOptions{Priority: j.priority}) == nil {
			t.Fatalf("Enqueue %s returned nil", j.name)
		}
	}

	startManager(t, m)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"critical", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestDelayedJobPromotion(t *testing.T) {
	ran := make(chan time.Time, 1)
	m := newTestManager(t, func(ctx context.Context, job *domain.Job) (any, error) {
		ran <- time.Now()
		return nil, nil
	})
	startManager(t, m)

	delay := 60 * time.Millisecond
	enqueued := time.Now()
	job := m.Enqueue(context.Background(), domain.QueueLoyalty, "later", nil, EnqueueOptions{Delay: delay})
	if job == nil {
		t.Fatal("Enqueue returned nil job")
	}
	if job.State != domain.StateDelayed {
		t.Errorf("delayed job state = %s, want %s", job.State, domain.StateDelayed)
	}

	select {
	case ranAt := <-ran:
		if elapsed := ranAt.Sub(enqueued); elapsed < delay {
			t.Errorf("job ran after %v, want at least %v", elapsed, delay)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := newTestManager(t, func(ctx context.Context, job *domain.Job) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, errors.New("transient failure")
		}
		return nil, nil
	})
	startManager(t, m)

	job := m.Enqueue(context.Background(), domain.QueueLoyalty, "flaky", nil, EnqueueOptions{})
	if job == nil {
		t.Fatal("Enqueue returned nil job")
	}

	status := waitForState(t, m, domain.QueueLoyalty, job.ID, domain.StateCompleted)
	if status.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", status.Attempts)
	}
}

func TestRetryExhaustion(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, job *domain.Job) (any, error) {
		return nil, fmt.Errorf("broken payload")
	})
	startManager(t, m)

	job := m.Enqueue(context.Background(), domain.QueueLoyalty, "doomed", nil, EnqueueOptions{Attempts: 2})
	if job == nil {
		t.Fatal("Enqueue returned nil job")
	}

	status := waitForState(t, m, domain.QueueLoyalty, job.ID, domain.StateFailed)
	if status.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", status.Attempts)
	}
	if status.Error != "broken payload" {
		t.Errorf("error = %q, want %q", status.Error, "broken payload")
	}
}

func TestIdempotentEnqueue(t *testing.T) {
	m := newTestManager(t, nil)

	first := m.Enqueue(context.Background(), domain.QueueSync, "daily-sync", nil, EnqueueOptions{JobID: "recurring:daily-sync"})
	if first == nil {
		t.Fatal("first Enqueue returned nil")
	}
	second := m.Enqueue(context.Background(), domain.QueueSync, "daily-sync", nil, EnqueueOptions{JobID: "recurring:daily-sync"})
	if second == nil {
		t.Fatal("second Enqueue returned nil")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate enqueue created new job %s, want %s", second.ID, first.ID)
	}

	waiting, delayed, err := memoryDepth(m)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if waiting+delayed != 1 {
		t.Errorf("queue holds %d jobs, want 1", waiting+delayed)
	}
}

func memoryDepth(m *Manager) (int64, int64, error) {
	return m.repo.Depth(context.Background(), domain.QueueSync)
}

func TestPanicCountsAsFailure(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, job *domain.Job) (any, error) {
		panic("handler bug")
	})
	startManager(t, m)

	job := m.Enqueue(context.Background(), domain.QueueLoyalty, "panicky", nil, EnqueueOptions{Attempts: 1})
	if job == nil {
		t.Fatal("Enqueue returned nil job")
	}

	status := waitForState(t, m, domain.QueueLoyalty, job.ID, domain.StateFailed)
	if status.Error == "" {
		t.Error("panic failure recorded no error")
	}
}

func TestShutdownDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	m := newTestManager(t, func(ctx context.Context, job *domain.Job) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return "drained", nil
	})
	startManager(t, m)

	job := m.Enqueue(context.Background(), domain.QueueLoyalty, "slow", nil, EnqueueOptions{})
	if job == nil {
		t.Fatal("Enqueue returned nil job")
	}

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	status, err := m.JobStatus(context.Background(), domain.QueueLoyalty, job.ID)
	if err != nil {
		t.Fatalf("JobStatus failed: %v", err)
	}
	if status == nil || status.State != domain.StateCompleted {
		t.Fatalf("in-flight job not drained, status = %+v", status)
	}
}

func TestEnqueueAfterShutdown(t *testing.T) {
	m := newTestManager(t, nil)
	startManager(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if job := m.Enqueue(context.Background(), domain.QueueLoyalty, "too-late", nil, EnqueueOptions{}); job != nil {
		t.Errorf("Enqueue after shutdown returned job %s, want nil", job.ID)
	}
}

func TestRegisterWorkerAfterStart(t *testing.T) {
	m := newTestManager(t, nil)
	startManager(t, m)

	err := m.RegisterWorker(domain.QueueEmail, func(ctx context.Context, job *domain.Job) (any, error) {
		return nil, nil
	}, 1)
	if err == nil {
		t.Error("RegisterWorker after Start succeeded, want error")
	}
}

func TestRecurringEnqueueRegistersSchedule(t *testing.T) {
	m := newTestManager(t, nil)

	job := m.Enqueue(context.Background(), domain.QueueReport, "weekly-report", nil, EnqueueOptions{RepeatPattern: "0 9 * * 1"})
	if job == nil {
		t.Fatal("recurring Enqueue returned nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.schedules) != 1 {
		t.Fatalf("registered schedules = %d, want 1", len(m.schedules))
	}
	if got := m.schedules[0].jobID; got != "recurring:report:weekly-report" {
		t.Errorf("schedule job ID = %q, want recurring:report:weekly-report", got)
	}
}

func TestRecurringEnqueueBadPattern(t *testing.T) {
	m := newTestManager(t, nil)
	if job := m.Enqueue(context.Background(), domain.QueueReport, "bad", nil, EnqueueOptions{RepeatPattern: "not-cron"}); job != nil {
		t.Errorf("invalid pattern returned job %s, want nil", job.ID)
	}
}
