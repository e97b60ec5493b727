package domain

import (
	"encoding/json"
	"time"
)

// QueueName identifies one of the managed queues.
type QueueName string

const (
	QueueLoyalty   QueueName = "loyalty"
	QueueEmail     QueueName = "email"
	QueueReport    QueueName = "report"
	QueueInventory QueueName = "inventory"
	QueueSync      QueueName = "sync"
)

// KnownQueues lists every queue the manager operates.
var KnownQueues = []QueueName{QueueLoyalty, QueueEmail, QueueReport, QueueInventory, QueueSync}

// Priority orders jobs within a queue. Higher runs first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 5
)

// JobState tracks a job through its lifecycle:
// waiting -> [delayed] -> active -> {completed | failed}.
// A failed attempt re-enters waiting (via delayed) while attempts remain.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job names handled by the loyalty worker.
const (
	JobProcessTransaction = "process-transaction"
	JobApplyPoints        = "apply-points"
	JobReversePoints      = "reverse-points"
	JobCalculateRewards   = "calculate-rewards"
	JobSyncLoyaltyStatus  = "sync-loyalty-status"
)

// Job is a unit of asynchronous work. The queue backend owns its state
// transitions after enqueue.
type Job struct {
	ID            string          `json:"id"`
	Queue         QueueName       `json:"queue"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	State         JobState        `json:"state"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	RepeatPattern string          `json:"repeat_pattern,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	ReadyAt       time.Time       `json:"ready_at"`
	FinishedAt    time.Time       `json:"finished_at,omitzero"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// JobStatus is the external view of a job returned by status lookups.
type JobStatus struct {
	ID       string          `json:"id"`
	State    JobState        `json:"state"`
	Data     json.RawMessage `json:"data,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
}

// StatusView projects a job into its external status form.
func (j *Job) StatusView() *JobStatus {
	return &JobStatus{
		ID:       j.ID,
		State:    j.State,
		Data:     j.Payload,
		Result:   j.Result,
		Error:    j.LastError,
		Attempts: j.AttemptsMade,
	}
}
