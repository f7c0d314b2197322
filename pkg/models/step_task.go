package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	QueuedTaskStatus    TaskStatus = "queued"
	StartedTaskStatus   TaskStatus = "started"
	CompletedTaskStatus TaskStatus = "completed"
	FailedTaskStatus    TaskStatus = "failed"
)

// StepTask is one unit of work. Single steps own exactly one task with
// index 0; map steps own one task per array element. MessageID ties the
// task to its queue message for the two-phase claim protocol.
type StepTask struct {
	RunID         string          `json:"run_id" db:"run_id"`
	StepSlug      string          `json:"step_slug" db:"step_slug"`
	TaskIndex     int             `json:"task_index" db:"task_index"`
	Status        TaskStatus      `json:"status" db:"status"`
	AttemptsCount int             `json:"attempts_count" db:"attempts_count"`
	MessageID     *int64          `json:"message_id,omitempty" db:"message_id"`
	Output        json.RawMessage `json:"output,omitempty" db:"output"`
	ErrorMessage  string          `json:"error_message,omitempty" db:"error_message"`
	WorkerID      string          `json:"worker_id,omitempty" db:"worker_id"`
	QueuedAt      time.Time       `json:"queued_at" db:"queued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt      *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
}

// ClaimedTask is a StepTask handed to a worker by the claim protocol,
// carrying the materialized JSON input the handler runs against.
type ClaimedTask struct {
	StepTask
	FlowSlug string          `json:"flow_slug"`
	Input    json.RawMessage `json:"input"`
}

// TaskMessage is the payload of a queue message dispatched per task.
type TaskMessage struct {
	FlowSlug  string `json:"flow_slug"`
	RunID     string `json:"run_id"`
	StepSlug  string `json:"step_slug"`
	TaskIndex int    `json:"task_index"`
}
