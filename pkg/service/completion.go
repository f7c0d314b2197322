package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
	"github.com/pkg/errors"
)

// CompleteTask records a task's output and advances the run's state
// machine: it decrements the owning step's remaining task count,
// completes the step when the count hits zero, decrements dependents'
// remaining dependency counts, resolves unresolved map fan-outs,
// dispatches newly ready steps and completes the run when nothing
// remains.
//
// Completing a task of a failed run, or a task that is not currently
// started, is an idempotent no-op returning the current row. A single
// step whose output feeds an unresolved map step must produce a JSON
// array; anything else fails the entire run.
func (s *WorkflowService) CompleteTask(ctx context.Context, runID, stepSlug string, taskIndex int, output json.RawMessage) (tasks []models.StepTask, err error) {
	if output == nil {
		output = json.RawMessage("null")
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	var ops *queueOps
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
			return
		}
		if ops != nil {
			ops.apply(ctx, s.queue, s.logger)
		}
	}()

	run, err := txStore.LockRun(runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock run %q", runID)
	}
	ops = newQueueOps(run.FlowSlug)

	task, err := txStore.GetStepTask(runID, stepSlug, taskIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "task %s/%s[%d] not found", runID, stepSlug, taskIndex)
	}

	// Zombie guard: a failed run absorbs late completions silently.
	if run.Status == models.FailedRunStatus {
		return []models.StepTask{task}, nil
	}
	// Only a started task can complete; repeats are no-ops.
	if task.Status != models.StartedTaskStatus {
		return []models.StepTask{task}, nil
	}

	states, err := txStore.LockStepStates(runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock step states")
	}
	stateBySlug := make(map[string]models.StepState, len(states))
	for _, st := range states {
		stateBySlug[st.StepSlug] = st
	}
	state, ok := stateBySlug[stepSlug]
	if !ok {
		return nil, errors.Errorf("run %q has no state for step %q", runID, stepSlug)
	}

	flow, err := txStore.GetFlow(run.FlowSlug)
	if err != nil {
		return nil, errors.Wrapf(err, "flow %q not found", run.FlowSlug)
	}
	steps, err := txStore.ListSteps(run.FlowSlug)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list steps")
	}
	deps, err := txStore.ListDependencies(run.FlowSlug)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dependencies")
	}
	stepBySlug := make(map[string]models.Step, len(steps))
	for _, st := range steps {
		stepBySlug[st.StepSlug] = st
	}
	step, ok := stepBySlug[stepSlug]
	if !ok {
		return nil, errors.Errorf("flow %q has no step %q", run.FlowSlug, stepSlug)
	}

	var dependentSlugs []string
	for _, d := range deps {
		if d.DepSlug == stepSlug {
			dependentSlugs = append(dependentSlugs, d.StepSlug)
		}
	}

	// A single step feeding an unresolved map step promises an array.
	// Anything else poisons the fan-out and fails the whole run.
	if step.StepType == models.SingleStepType && !isJSONArray(output) {
		for _, depSlug := range dependentSlugs {
			dStep := stepBySlug[depSlug]
			dState := stateBySlug[depSlug]
			if dStep.StepType == models.MapStepType && dState.InitialTasks == nil {
				msg := fmt.Sprintf("step %q must output a JSON array: map step %q fans out over it", stepSlug, depSlug)
				if err := s.failRun(txStore, ops, &run, &task, &state, msg); err != nil {
					return nil, err
				}
				return []models.StepTask{}, nil
			}
		}
	}

	now := time.Now()
	task.Status = models.CompletedTaskStatus
	task.Output = output
	task.CompletedAt = timePtr(now)
	if err = txStore.UpdateStepTask(task); err != nil {
		return nil, errors.Wrap(err, "failed to complete task")
	}
	ops.archiveMsg(task.MessageID)

	if state.RemainingTasks == nil {
		return nil, errors.Errorf("step %q of run %q has no remaining task count", stepSlug, runID)
	}
	remaining := *state.RemainingTasks - 1
	state.RemainingTasks = intPtr(remaining)
	stepCompleted := remaining == 0
	if stepCompleted {
		state.Status = models.CompletedStepStatus
		state.CompletedAt = timePtr(now)
	}
	if err = txStore.UpdateStepState(state); err != nil {
		return nil, errors.Wrap(err, "failed to update step state")
	}

	if stepCompleted {
		run.RemainingSteps--
		if err = txStore.UpdateRun(run); err != nil {
			return nil, errors.Wrapf(err, "failed to update run %q", runID)
		}

		for _, depSlug := range dependentSlugs {
			dState, ok := stateBySlug[depSlug]
			if !ok {
				return nil, errors.Errorf("run %q has no state for step %q", runID, depSlug)
			}
			dState.RemainingDeps--
			dStep := stepBySlug[depSlug]
			if dStep.StepType == models.MapStepType && dState.InitialTasks == nil {
				n, err := s.resolveMapTaskCount(txStore, run.RunID, step, output)
				if err != nil {
					return nil, err
				}
				dState.InitialTasks = intPtr(n)
			}
			if err = txStore.UpdateStepState(dState); err != nil {
				return nil, errors.Wrapf(err, "failed to update dependent step %q", depSlug)
			}
			stateBySlug[depSlug] = dState
		}

		if err = s.cascadeCompleteTasklessSteps(txStore, &run, steps, deps); err != nil {
			return nil, err
		}
		if err = s.startReadySteps(ctx, txStore, &run, flow, steps); err != nil {
			return nil, err
		}
		if err = s.maybeCompleteRun(txStore, &run, steps, deps); err != nil {
			return nil, err
		}
	}

	return []models.StepTask{task}, nil
}

// resolveMapTaskCount resolves a dependent map step's fan-out the
// moment its dependency completes: the dependency's output array length
// when the dependency is a single step, the dependency's task count
// when it is itself a map step.
func (s *WorkflowService) resolveMapTaskCount(txStore storage.Store, runID string, dep models.Step, output json.RawMessage) (int, error) {
	if dep.StepType == models.SingleStepType {
		n, ok := jsonArrayLen(output)
		if !ok {
			// The type-violation guard runs before resolution; reaching
			// this is an engine bug.
			return 0, errors.Errorf("output of step %q is not a JSON array", dep.StepSlug)
		}
		return n, nil
	}
	// The current task was already marked completed, so the completed
	// count equals the dependency's full task count.
	n, err := txStore.CountCompletedTasks(runID, dep.StepSlug)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count tasks of step %q", dep.StepSlug)
	}
	return n, nil
}

// FailTask records a failed attempt. While attempts remain the task is
// requeued with exponential backoff; once the budget is exhausted the
// task, its step and the whole run fail and every in-flight message of
// the run is archived. Failing a task of an already failed run just
// forces the task terminal and archives its message.
func (s *WorkflowService) FailTask(ctx context.Context, runID, stepSlug string, taskIndex int, errorMessage string) (tasks []models.StepTask, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	var ops *queueOps
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
			return
		}
		if ops != nil {
			ops.apply(ctx, s.queue, s.logger)
		}
	}()

	run, err := txStore.LockRun(runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock run %q", runID)
	}
	ops = newQueueOps(run.FlowSlug)

	task, err := txStore.GetStepTask(runID, stepSlug, taskIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "task %s/%s[%d] not found", runID, stepSlug, taskIndex)
	}

	now := time.Now()

	// Terminal path for zombie workers: the run is already failed, so
	// just force the task terminal and drop its message.
	if run.Status == models.FailedRunStatus {
		if task.Status != models.FailedTaskStatus {
			task.Status = models.FailedTaskStatus
			task.ErrorMessage = errorMessage
			task.FailedAt = timePtr(now)
			if err = txStore.UpdateStepTask(task); err != nil {
				return nil, errors.Wrap(err, "failed to fail task")
			}
		}
		ops.archiveMsg(task.MessageID)
		return []models.StepTask{task}, nil
	}

	if task.Status != models.StartedTaskStatus {
		return []models.StepTask{task}, nil
	}

	states, err := txStore.LockStepStates(runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock step states")
	}
	var state models.StepState
	found := false
	for _, st := range states {
		if st.StepSlug == stepSlug {
			state, found = st, true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("run %q has no state for step %q", runID, stepSlug)
	}

	flow, err := txStore.GetFlow(run.FlowSlug)
	if err != nil {
		return nil, errors.Wrapf(err, "flow %q not found", run.FlowSlug)
	}
	step, err := txStore.GetStep(run.FlowSlug, stepSlug)
	if err != nil {
		return nil, errors.Wrapf(err, "step %q not found", stepSlug)
	}
	cfg := models.ResolveConfig(step, flow)

	if task.AttemptsCount < cfg.MaxAttempts {
		// Requeue: the message becomes visible again after the backoff.
		task.Status = models.QueuedTaskStatus
		task.StartedAt = nil
		task.ErrorMessage = errorMessage
		if err = txStore.UpdateStepTask(task); err != nil {
			return nil, errors.Wrap(err, "failed to requeue task")
		}
		delay := time.Duration(RetryDelay(cfg.BaseDelay, task.AttemptsCount)) * time.Second
		ops.delayMsg(task.MessageID, delay)
		s.logger.Infof("Requeued task %s/%s[%d] after attempt %d with %s backoff",
			runID, stepSlug, taskIndex, task.AttemptsCount, delay)
		return []models.StepTask{task}, nil
	}

	if err = s.failRun(txStore, ops, &run, &task, &state, errorMessage); err != nil {
		return nil, err
	}
	return []models.StepTask{task}, nil
}

// failRun marks the task, its step and the run failed, and archives
// every in-flight message of the run, the failing task's included.
func (s *WorkflowService) failRun(txStore storage.Store, ops *queueOps, run *models.Run, task *models.StepTask, state *models.StepState, errorMessage string) error {
	// Collect in-flight ids before the task flips to failed so its own
	// message is included.
	msgIDs, err := txStore.ListActiveMessageIDs(run.RunID)
	if err != nil {
		return errors.Wrap(err, "failed to list in-flight messages")
	}
	for _, id := range msgIDs {
		id := id
		ops.archiveMsg(&id)
	}

	now := time.Now()
	task.Status = models.FailedTaskStatus
	task.ErrorMessage = errorMessage
	task.FailedAt = timePtr(now)
	if err := txStore.UpdateStepTask(*task); err != nil {
		return errors.Wrap(err, "failed to fail task")
	}

	state.Status = models.FailedStepStatus
	state.ErrorMessage = errorMessage
	state.FailedAt = timePtr(now)
	if err := txStore.UpdateStepState(*state); err != nil {
		return errors.Wrap(err, "failed to fail step state")
	}

	run.Status = models.FailedRunStatus
	run.FailedAt = timePtr(now)
	if err := txStore.UpdateRun(*run); err != nil {
		return errors.Wrapf(err, "failed to fail run %q", run.RunID)
	}

	s.logger.Errorf("Run '%s' failed at step '%s': %s", run.RunID, state.StepSlug, errorMessage)
	return nil
}
