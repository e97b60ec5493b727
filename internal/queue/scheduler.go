package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"loyaltyd/internal/core/domain"
)

// schedule is one recurring job definition. Every fire re-enqueues under the
// same stable job ID, so a run that is still live absorbs the next fire
// instead of stacking a duplicate.
type schedule struct {
	queue    domain.QueueName
	name     string
	jobID    string
	payload  json.RawMessage
	priority domain.Priority
	attempts int
	pattern  string
	spec     cron.Schedule
}

func (m *Manager) addSchedule(job *domain.Job, opts EnqueueOptions) error {
	spec, err := cron.ParseStandard(opts.RepeatPattern)
	if err != nil {
		return fmt.Errorf("invalid repeat pattern %q: %w", opts.RepeatPattern, err)
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = fmt.Sprintf("recurring:%s:%s", job.Queue, job.Name)
	}

	s := &schedule{
		queue:    job.Queue,
		name:     job.Name,
		jobID:    jobID,
		payload:  job.Payload,
		priority: job.Priority,
		attempts: job.MaxAttempts,
		pattern:  opts.RepeatPattern,
		spec:     spec,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = append(m.schedules, s)
	if m.started {
		m.wg.Add(1)
		go m.runSchedule(s)
	}

	m.log.Info("Recurring job registered",
		"queue", s.queue, "job", s.name, "id", s.jobID, "pattern", s.pattern)
	return nil
}

// runSchedule fires one recurring job on its cron schedule.
func (m *Manager) runSchedule(s *schedule) {
	defer m.wg.Done()

	for {
		next := s.spec.Next(time.Now())

		select {
		case <-m.quit:
			return
		case <-m.runCtx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		job := m.buildJob(s.queue, s.name, s.payload, EnqueueOptions{
			Priority: s.priority,
			JobID:    s.jobID,
			Attempts: s.attempts,
		})
		job.RepeatPattern = s.pattern

		created, err := m.repo.Push(m.runCtx, job)
		if err != nil {
			if m.runCtx.Err() == nil {
				m.log.Error("Failed to enqueue recurring job", "queue", s.queue, "id", s.jobID, "error", err)
			}
			continue
		}
		if !created {
			m.log.Debug("Recurring fire skipped, previous run still live", "queue", s.queue, "id", s.jobID)
		}
	}
}
