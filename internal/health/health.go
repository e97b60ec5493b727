// Package health provides system health monitoring and status reporting.
package health

import "loyaltyd/internal/core/domain"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
	StatusDisabled SystemStatus = "disabled"
)

// QueueHealth contains backlog metrics for one queue.
type QueueHealth struct {
	Queue   domain.QueueName `json:"queue"`
	Status  SystemStatus     `json:"status"`
	Waiting int64            `json:"waiting"`
	Delayed int64            `json:"delayed"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus SystemStatus                     `json:"system_status"`
	Cache        SystemStatus                     `json:"cache"`
	Database     SystemStatus                     `json:"database"`
	Queues       map[domain.QueueName]QueueHealth `json:"queues"`
}
