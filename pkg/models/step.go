package models

import "time"

type StepType string

const (
	SingleStepType StepType = "single" // One task per run
	MapStepType    StepType = "map"    // One task per element of an array input
)

// Step is a node in a flow's DAG. Dependency edges are stored
// separately; DepsCount is denormalized so run creation does not need
// to aggregate edges.
type Step struct {
	FlowSlug  string   `json:"flow_slug" db:"flow_slug"`
	StepSlug  string   `json:"step_slug" db:"step_slug"`
	StepType  StepType `json:"step_type" db:"step_type"`
	StepIndex int      `json:"step_index" db:"step_index"` // Insertion order within the flow
	DepsCount int      `json:"deps_count" db:"deps_count"`

	// Optional per-step overrides of the flow defaults. Nil means
	// "inherit from the flow".
	MaxAttempts *int `json:"max_attempts,omitempty" db:"max_attempts"`
	BaseDelay   *int `json:"base_delay,omitempty" db:"base_delay"`
	Timeout     *int `json:"timeout,omitempty" db:"timeout"`
	StartDelay  *int `json:"start_delay,omitempty" db:"start_delay"` // Delay before first dispatch (seconds)

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Dependency is a directed edge: StepSlug depends on DepSlug.
// DepSlug != StepSlug is enforced at insert time.
type Dependency struct {
	FlowSlug string `json:"flow_slug" db:"flow_slug"`
	DepSlug  string `json:"dep_slug" db:"dep_slug"`
	StepSlug string `json:"step_slug" db:"step_slug"`
}
