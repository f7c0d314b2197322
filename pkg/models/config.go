package models

// EffectiveConfig is the merged retry/timeout configuration for one
// step: step-level overrides layered over flow defaults.
type EffectiveConfig struct {
	MaxAttempts int
	BaseDelay   int // seconds
	Timeout     int // seconds
	StartDelay  int // seconds
}

// ResolveConfig merges a step's optional overrides over its flow's
// defaults. All call sites go through this instead of coalescing ad hoc.
func ResolveConfig(step Step, flow Flow) EffectiveConfig {
	cfg := EffectiveConfig{
		MaxAttempts: flow.MaxAttempts,
		BaseDelay:   flow.BaseDelay,
		Timeout:     flow.Timeout,
	}
	if step.MaxAttempts != nil {
		cfg.MaxAttempts = *step.MaxAttempts
	}
	if step.BaseDelay != nil {
		cfg.BaseDelay = *step.BaseDelay
	}
	if step.Timeout != nil {
		cfg.Timeout = *step.Timeout
	}
	if step.StartDelay != nil {
		cfg.StartDelay = *step.StartDelay
	}
	return cfg
}
