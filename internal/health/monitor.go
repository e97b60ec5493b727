package health

import (
	"context"
	"sync"
	"time"

	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/infra/storage"
)

// Backlog thresholds: a queue with this much waiting work is considered
// degraded or critical respectively.
const (
	backlogDegraded = 100
	backlogCritical = 1000
)

// PingFunc probes one dependency for liveness.
type PingFunc func(ctx context.Context) error

// Monitor aggregates health status from the cache, the optional database
// and the queue backlogs.
type Monitor struct {
	cachePing PingFunc
	dbPing    PingFunc // nil when no database is configured
	jobs      storage.JobRepository

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a health monitor. dbPing may be nil.
func NewMonitor(cachePing PingFunc, dbPing PingFunc, jobs storage.JobRepository) *Monitor {
	return &Monitor{
		cachePing: cachePing,
		dbPing:    dbPing,
		jobs:      jobs,
	}
}

// CheckHealth probes every dependency and builds the report. Checks are
// rate limited to once per 10s to keep probe traffic off the hot path.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 10*time.Second && m.lastReport != nil {
		return m.lastReport
	}

	report := &Report{
		SystemStatus: StatusHealthy,
		Cache:        StatusHealthy,
		Database:     StatusDisabled,
		Queues:       make(map[domain.QueueName]QueueHealth),
	}

	// The cache doubles as the queue backbone, so losing it is critical.
	if err := m.cachePing(ctx); err != nil {
		report.Cache = StatusCritical
		report.SystemStatus = StatusCritical
	}

	// The cache can absorb a database outage, so that is only degradation.
	if m.dbPing != nil {
		report.Database = StatusHealthy
		if err := m.dbPing(ctx); err != nil {
			report.Database = StatusDegraded
			report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
		}
	}

	for _, q := range domain.KnownQueues {
		qh := QueueHealth{Queue: q, Status: StatusHealthy}

		waiting, delayed, err := m.jobs.Depth(ctx, q)
		if err != nil {
			qh.Status = StatusDegraded
		} else {
			qh.Waiting = waiting
			qh.Delayed = delayed
			if waiting > backlogCritical {
				qh.Status = StatusCritical
			} else if waiting > backlogDegraded {
				qh.Status = StatusDegraded
			}
		}

		report.SystemStatus = worst(report.SystemStatus, qh.Status)
		report.Queues[q] = qh
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	if a == StatusCritical || b == StatusCritical {
		return StatusCritical
	}
	if a == StatusDegraded || b == StatusDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
