package service

import (
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/pkg/errors"
)

// StepOptions are the optional per-step overrides of flow defaults.
// Nil fields inherit from the flow.
type StepOptions struct {
	MaxAttempts *int
	BaseDelay   *int
	Timeout     *int
	StartDelay  *int
}

// CreateFlow upserts a flow definition. Zero values for maxAttempts,
// baseDelay and timeout fall back to the engine defaults. The call is
// idempotent: re-creating an existing slug overwrites its settings.
func (s *WorkflowService) CreateFlow(slug string, maxAttempts, baseDelay, timeout int) (f models.Flow, err error) {
	if err = validateSlug(slug); err != nil {
		return models.Flow{}, err
	}
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = models.DefaultBaseDelay
	}
	if timeout <= 0 {
		timeout = models.DefaultTimeout
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Flow{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	f = models.Flow{
		Slug:        slug,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Timeout:     timeout,
		CreatedAt:   time.Now(),
	}
	if err = txStore.UpsertFlow(f); err != nil {
		return models.Flow{}, errors.Wrapf(err, "failed to upsert flow %q", slug)
	}
	s.logger.Infof("Created flow '%s' (max_attempts=%d base_delay=%d timeout=%d)", slug, maxAttempts, baseDelay, timeout)
	return f, nil
}

// AddStep appends a step to a flow's DAG: it assigns the next
// step_index, records the dependency edges and rejects definitions the
// engine cannot execute (map steps with more than one dependency,
// unknown dependencies, self-loops, edges that would close a cycle).
func (s *WorkflowService) AddStep(flowSlug, stepSlug string, depSlugs []string, opts StepOptions, stepType models.StepType) (st models.Step, err error) {
	if err = validateSlug(stepSlug); err != nil {
		return models.Step{}, err
	}
	if stepType == "" {
		stepType = models.SingleStepType
	}
	if stepType != models.SingleStepType && stepType != models.MapStepType {
		return models.Step{}, errors.Errorf("unknown step type %q", stepType)
	}
	if stepType == models.MapStepType && len(depSlugs) > 1 {
		return models.Step{}, errors.Wrapf(ErrInvalidMapArity, "map step %q declares %d dependencies", stepSlug, len(depSlugs))
	}
	for _, dep := range depSlugs {
		if dep == stepSlug {
			return models.Step{}, errors.Wrapf(ErrCycleDetected, "step %q cannot depend on itself", stepSlug)
		}
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Step{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if _, err = txStore.GetFlow(flowSlug); err != nil {
		return models.Step{}, errors.Wrapf(err, "flow %q not found", flowSlug)
	}
	for _, dep := range depSlugs {
		if _, err = txStore.GetStep(flowSlug, dep); err != nil {
			return models.Step{}, errors.Wrapf(ErrUnknownDependency, "dependency %q of step %q", dep, stepSlug)
		}
	}

	index, err := txStore.CountSteps(flowSlug)
	if err != nil {
		return models.Step{}, errors.Wrap(err, "failed to count steps")
	}

	st = models.Step{
		FlowSlug:    flowSlug,
		StepSlug:    stepSlug,
		StepType:    stepType,
		StepIndex:   index,
		DepsCount:   len(depSlugs),
		MaxAttempts: opts.MaxAttempts,
		BaseDelay:   opts.BaseDelay,
		Timeout:     opts.Timeout,
		StartDelay:  opts.StartDelay,
		CreatedAt:   time.Now(),
	}
	if err = txStore.SaveStep(st); err != nil {
		return models.Step{}, errors.Wrapf(err, "failed to save step %q", stepSlug)
	}
	for _, dep := range depSlugs {
		if err = txStore.UpsertDependency(models.Dependency{FlowSlug: flowSlug, DepSlug: dep, StepSlug: stepSlug}); err != nil {
			return models.Step{}, errors.Wrapf(err, "failed to save dependency %q -> %q", dep, stepSlug)
		}
	}

	deps, err := txStore.ListDependencies(flowSlug)
	if err != nil {
		return models.Step{}, errors.Wrap(err, "failed to list dependencies")
	}
	if err = detectCycle(deps); err != nil {
		return models.Step{}, err
	}

	s.logger.Infof("Added %s step '%s' to flow '%s' with dependencies %v", stepType, stepSlug, flowSlug, depSlugs)
	return st, nil
}

// detectCycle runs a topological pass over the dependency edges and
// fails when some node can never reach in-degree zero.
func detectCycle(deps []models.Dependency) error {
	graph := make(map[string][]string)
	inDegree := make(map[string]int)
	for _, d := range deps {
		graph[d.DepSlug] = append(graph[d.DepSlug], d.StepSlug)
		inDegree[d.StepSlug]++
		if _, ok := inDegree[d.DepSlug]; !ok {
			inDegree[d.DepSlug] = 0
		}
	}

	var queue []string
	for node, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, node)
		}
	}
	visited := 0
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range graph[curr] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(inDegree) {
		return ErrCycleDetected
	}
	return nil
}

// GetFlow fetches a flow definition with its steps.
func (s *WorkflowService) GetFlow(slug string) (models.Flow, error) {
	f, err := s.store.GetFlow(slug)
	if err != nil {
		return models.Flow{}, errors.Wrapf(err, "failed to get flow %q", slug)
	}
	steps, err := s.store.ListSteps(slug)
	if err != nil {
		return models.Flow{}, errors.Wrapf(err, "failed to list steps of flow %q", slug)
	}
	f.Steps = steps
	return f, nil
}

// ListFlows returns all flow definitions without their steps.
func (s *WorkflowService) ListFlows() ([]models.Flow, error) {
	return s.store.ListFlows()
}
