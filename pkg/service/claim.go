package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
	"github.com/pkg/errors"
)

// ReadWithPoll is phase one of the two-phase claim: it polls the queue
// for up to qty ready messages within the maxPoll budget, extending
// their visibility by vt, and returns the candidate message ids. No
// task state changes here; a reader that crashes after this merely
// delays the messages by vt.
func (s *WorkflowService) ReadWithPoll(ctx context.Context, queueName string, vt time.Duration, qty int, maxPoll time.Duration, pollInterval time.Duration) ([]int64, error) {
	if qty <= 0 {
		qty = 1
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(maxPoll)

	for {
		msgs, err := s.queue.Read(ctx, queueName, vt, qty)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read queue %q", queueName)
		}
		if len(msgs) > 0 {
			ids := make([]int64, 0, len(msgs))
			for _, m := range msgs {
				ids = append(ids, m.ID)
			}
			return ids, nil
		}
		if !time.Now().Add(pollInterval).Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// StartTasks is phase two of the claim: it atomically claims the queued
// tasks behind the given message ids, increments their attempt
// counters, records the worker and materializes each task's JSON input.
// Tasks of failed runs, already claimed tasks and unknown ids are
// silently skipped; the at-least-once queue makes duplicate candidate
// ids routine.
//
// Each claimed message's visibility is then extended to the step's
// effective timeout plus a fixed margin, batched per distinct timeout.
func (s *WorkflowService) StartTasks(ctx context.Context, flowSlug string, msgIDs []int64, workerID string) (claimed []models.ClaimedTask, err error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	ops := newQueueOps(flowSlug)
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
		ops.apply(ctx, s.queue, s.logger)
	}()

	flow, err := txStore.GetFlow(flowSlug)
	if err != nil {
		return nil, errors.Wrapf(err, "flow %q not found", flowSlug)
	}
	steps, err := txStore.ListSteps(flowSlug)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list steps")
	}
	deps, err := txStore.ListDependencies(flowSlug)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dependencies")
	}
	stepBySlug := make(map[string]models.Step, len(steps))
	for _, st := range steps {
		stepBySlug[st.StepSlug] = st
	}

	tasks, err := txStore.ListClaimableTasks(flowSlug, msgIDs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list claimable tasks")
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	// Lock runs in a fixed order before touching their tasks.
	runIDs := make([]string, 0, len(tasks))
	seen := make(map[string]bool)
	for _, t := range tasks {
		if !seen[t.RunID] {
			seen[t.RunID] = true
			runIDs = append(runIDs, t.RunID)
		}
	}
	sort.Strings(runIDs)
	runs := make(map[string]models.Run, len(runIDs))
	for _, id := range runIDs {
		run, err := txStore.LockRun(id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to lock run %q", id)
		}
		runs[id] = run
	}

	now := time.Now()
	for _, candidate := range tasks {
		run := runs[candidate.RunID]
		if run.Status == models.FailedRunStatus {
			continue
		}
		// The candidate rows were selected before the run locks were
		// acquired, so a competing claim may have won one of them in
		// between. Re-read under the lock and keep only tasks still
		// queued.
		task, err := txStore.GetStepTask(candidate.RunID, candidate.StepSlug, candidate.TaskIndex)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to reload task %s/%s[%d]", candidate.RunID, candidate.StepSlug, candidate.TaskIndex)
		}
		if task.Status != models.QueuedTaskStatus {
			continue
		}
		step, ok := stepBySlug[task.StepSlug]
		if !ok {
			return nil, errors.Errorf("flow %q has no step %q", flowSlug, task.StepSlug)
		}

		input, err := s.materializeInput(txStore, run, step, stepBySlug, deps, task.TaskIndex)
		if err != nil {
			return nil, err
		}

		task.AttemptsCount++
		task.Status = models.StartedTaskStatus
		task.StartedAt = timePtr(now)
		task.WorkerID = workerID
		if err := txStore.UpdateStepTask(task); err != nil {
			return nil, errors.Wrapf(err, "failed to claim task %s/%s[%d]", task.RunID, task.StepSlug, task.TaskIndex)
		}

		cfg := models.ResolveConfig(step, flow)
		ops.delayMsg(task.MessageID, time.Duration(cfg.Timeout)*time.Second+visibilityMargin)

		claimed = append(claimed, models.ClaimedTask{
			StepTask: task,
			FlowSlug: flowSlug,
			Input:    input,
		})
	}

	s.logger.Infof("Worker '%s' claimed %d of %d candidate messages on flow '%s'", workerID, len(claimed), len(msgIDs), flowSlug)
	return claimed, nil
}

// materializeInput builds the JSON a worker receives for one task.
//
// Non-map steps get an object merging the original run input under
// "run" with each dependency's output under its slug. Map steps get the
// raw element at the task's index, taken from the run input array for
// root maps or from the dependency's output array otherwise.
func (s *WorkflowService) materializeInput(txStore storage.Store, run models.Run, step models.Step, stepBySlug map[string]models.Step, deps []models.Dependency, taskIndex int) (json.RawMessage, error) {
	var depSlugs []string
	for _, d := range deps {
		if d.StepSlug == step.StepSlug {
			depSlugs = append(depSlugs, d.DepSlug)
		}
	}

	if step.StepType == models.MapStepType {
		var arr []json.RawMessage
		if len(depSlugs) == 0 {
			if err := json.Unmarshal(run.Input, &arr); err != nil {
				return nil, errors.Wrapf(err, "run %q input is not a JSON array", run.RunID)
			}
		} else {
			depStep := stepBySlug[depSlugs[0]]
			out, err := s.stepOutputJSON(txStore, run.RunID, depStep)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(out, &arr); err != nil {
				return nil, errors.Wrapf(err, "output of step %q is not a JSON array", depStep.StepSlug)
			}
		}
		if taskIndex < 0 || taskIndex >= len(arr) {
			return nil, errors.Errorf("task index %d out of range for step %q (%d elements)", taskIndex, step.StepSlug, len(arr))
		}
		return arr[taskIndex], nil
	}

	input := make(map[string]json.RawMessage, len(depSlugs)+1)
	input["run"] = run.Input
	for _, depSlug := range depSlugs {
		depStep := stepBySlug[depSlug]
		out, err := s.stepOutputJSON(txStore, run.RunID, depStep)
		if err != nil {
			return nil, err
		}
		input[depSlug] = out
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal task input")
	}
	return raw, nil
}
