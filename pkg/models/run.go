package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	StartedRunStatus   RunStatus = "started"
	CompletedRunStatus RunStatus = "completed"
	FailedRunStatus    RunStatus = "failed"
)

// Run is one execution instance of a flow. RemainingSteps counts step
// states that are neither completed nor failed; it reaches zero exactly
// when the run completes.
type Run struct {
	RunID          string          `json:"run_id" db:"run_id"`
	FlowSlug       string          `json:"flow_slug" db:"flow_slug"`
	Status         RunStatus       `json:"status" db:"status"`
	Input          json.RawMessage `json:"input" db:"input"`
	Output         json.RawMessage `json:"output,omitempty" db:"output"` // Nil until completion
	RemainingSteps int             `json:"remaining_steps" db:"remaining_steps"`
	StartedAt      time.Time       `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt       *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
}

// RunWithStates is the single-document view returned to clients: the
// run plus the execution state of every step.
type RunWithStates struct {
	Run        Run         `json:"run"`
	StepStates []StepState `json:"step_states"`
}
