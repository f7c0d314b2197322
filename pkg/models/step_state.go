package models

import "time"

type StepStatus string

const (
	CreatedStepStatus   StepStatus = "created"
	StartedStepStatus   StepStatus = "started"
	CompletedStepStatus StepStatus = "completed"
	FailedStepStatus    StepStatus = "failed"
)

// StepState is the execution state of one step within one run.
//
// RemainingDeps counts direct dependencies that have not completed yet.
// InitialTasks is the resolved task count: 1 for single steps, the
// array length for map steps, and nil for a dependent map step until
// its single dependency completes. RemainingTasks is set when the step
// starts and reaches zero the instant the step completes.
type StepState struct {
	RunID          string     `json:"run_id" db:"run_id"`
	StepSlug       string     `json:"step_slug" db:"step_slug"`
	Status         StepStatus `json:"status" db:"status"`
	RemainingDeps  int        `json:"remaining_deps" db:"remaining_deps"`
	RemainingTasks *int       `json:"remaining_tasks,omitempty" db:"remaining_tasks"`
	InitialTasks   *int       `json:"initial_tasks,omitempty" db:"initial_tasks"`
	ErrorMessage   string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt       *time.Time `json:"failed_at,omitempty" db:"failed_at"`
}
