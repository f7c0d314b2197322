package models

import "time"

// Flow is a named workflow definition: a DAG template that runs are
// instantiated from. MaxAttempts, BaseDelay (seconds) and Timeout
// (seconds) act as defaults for every step that does not override them.
type Flow struct {
	Slug        string    `json:"flow_slug" db:"flow_slug"`
	MaxAttempts int       `json:"max_attempts" db:"max_attempts"`
	BaseDelay   int       `json:"base_delay" db:"base_delay"`
	Timeout     int       `json:"timeout" db:"timeout"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`

	// Steps is populated on reads, never persisted with the flow row.
	Steps []Step `json:"steps,omitempty"`
}

// Default flow-level settings applied by CreateFlow when the caller
// passes zero values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1
	DefaultTimeout     = 60
)
