package queue

import (
	"fmt"
	"time"

	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/metrics"
)

type worker struct {
	queue       domain.QueueName
	handler     Handler
	concurrency int
}

// runWorker is one goroutine of a queue's pool. It polls for ready jobs and
// runs them to a terminal or redelivery decision. The quit channel is only
// consulted between jobs so an in-flight handler can finish during drain.
func (m *Manager) runWorker(w *worker) {
	defer m.wg.Done()

	for {
		select {
		case <-m.quit:
			return
		case <-m.runCtx.Done():
			return
		default:
		}

		job, err := m.repo.PopReady(m.runCtx, w.queue)
		if err != nil {
			if m.runCtx.Err() != nil {
				return
			}
			m.log.Error("Failed to pop job", "queue", w.queue, "error", err)
			m.idle()
			continue
		}
		if job == nil {
			m.idle()
			continue
		}

		m.process(w, job)
	}
}

func (m *Manager) idle() {
	select {
	case <-m.quit:
	case <-m.runCtx.Done():
	case <-time.After(m.cfg.PollInterval):
	}
}

// process runs the handler and applies the job-level retry policy: a blunt,
// count-only redelivery with exponential backoff from RetryBaseDelay. The
// fine-grained transient/fatal classifier belongs to the database layer, not
// here.
func (m *Manager) process(w *worker, job *domain.Job) {
	start := time.Now()
	result, err := m.invoke(w, job)
	metrics.JobDuration.WithLabelValues(string(w.queue), job.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		data, mErr := marshalPayload(result)
		if mErr != nil {
			m.log.Warn("Failed to marshal job result", "queue", w.queue, "id", job.ID, "error", mErr)
			data = nil
		}
		if cErr := m.repo.Complete(m.runCtx, job, data); cErr != nil {
			m.log.Error("Failed to record job completion", "queue", w.queue, "id", job.ID, "error", cErr)
			return
		}
		metrics.JobsProcessed.WithLabelValues(string(w.queue), job.Name, "completed").Inc()
		m.log.Debug("Job completed", "queue", w.queue, "job", job.Name, "id", job.ID, "attempt", job.AttemptsMade)
		return
	}

	requeue := job.AttemptsMade < job.MaxAttempts
	readyAt := time.Now().Add(redeliveryDelay(m.cfg.RetryBaseDelay, job.AttemptsMade))

	if fErr := m.repo.Fail(m.runCtx, job, err.Error(), requeue, readyAt); fErr != nil {
		m.log.Error("Failed to record job failure", "queue", w.queue, "id", job.ID, "error", fErr)
		return
	}

	if requeue {
		metrics.JobRetries.WithLabelValues(string(w.queue), job.Name).Inc()
		m.log.Warn("Job failed, redelivering",
			"queue", w.queue, "job", job.Name, "id", job.ID,
			"attempt", job.AttemptsMade, "max_attempts", job.MaxAttempts,
			"retry_at", readyAt, "error", err)
	} else {
		metrics.JobsProcessed.WithLabelValues(string(w.queue), job.Name, "failed").Inc()
		m.log.Error("Job failed permanently",
			"queue", w.queue, "job", job.Name, "id", job.ID,
			"attempts", job.AttemptsMade, "error", err)
	}
}

// invoke calls the handler, converting a panic into a failed attempt so one
// bad payload cannot kill the pool.
func (m *Manager) invoke(w *worker, job *domain.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(m.runCtx, job)
}

// redeliveryDelay doubles from the base per prior attempt: 5s, 10s, 20s...
func redeliveryDelay(base time.Duration, attemptsMade int) time.Duration {
	d := base
	for i := 1; i < attemptsMade; i++ {
		d *= 2
	}
	return d
}
