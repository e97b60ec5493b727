package queue

import (
	"time"

	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/metrics"
)

// Retention policy: completed jobs are pruned after 24h or beyond the last
// 1000 kept, whichever trims first; failed jobs are kept 7 days for
// diagnosis.
const (
	completedMaxAge = 24 * time.Hour
	completedKept   = 1000
	failedMaxAge    = 7 * 24 * time.Hour

	promoteBatch = 100
)

// runPromoter moves due delayed jobs into waiting and refreshes the depth
// gauges.
func (m *Manager) runPromoter() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.promote()
		}
	}
}

func (m *Manager) promote() {
	now := time.Now()
	for _, q := range domain.KnownQueues {
		if _, err := m.repo.PromoteDue(m.runCtx, q, now, promoteBatch); err != nil {
			if m.runCtx.Err() == nil {
				m.log.Error("Failed to promote delayed jobs", "queue", q, "error", err)
			}
			continue
		}

		waiting, delayed, err := m.repo.Depth(m.runCtx, q)
		if err == nil {
			metrics.QueueDepth.WithLabelValues(string(q), "waiting").Set(float64(waiting))
			metrics.QueueDepth.WithLabelValues(string(q), "delayed").Set(float64(delayed))
		}
	}
}

// runPruner applies the retention policy on an interval.
func (m *Manager) runPruner() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PruneInterval)
	defer ticker.Stop()

	// Initial prune
	m.prune()

	for {
		select {
		case <-m.quit:
			return
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.prune()
		}
	}
}

func (m *Manager) prune() {
	now := time.Now()
	for _, q := range domain.KnownQueues {
		removed, err := m.repo.PruneCompleted(m.runCtx, q, now.Add(-completedMaxAge), completedKept)
		if err != nil && m.runCtx.Err() == nil {
			m.log.Error("Failed to prune completed jobs", "queue", q, "error", err)
		} else if removed > 0 {
			m.log.Debug("Pruned completed jobs", "queue", q, "count", removed)
		}

		removed, err = m.repo.PruneFailed(m.runCtx, q, now.Add(-failedMaxAge))
		if err != nil && m.runCtx.Err() == nil {
			m.log.Error("Failed to prune failed jobs", "queue", q, "error", err)
		} else if removed > 0 {
			m.log.Debug("Pruned failed jobs", "queue", q, "count", removed)
		}
	}
}
