package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
	"github.com/pkg/errors"
)

// cascadeLimit bounds the taskless-step fixed-point loop. A graph that
// still makes progress after this many passes is malformed.
const cascadeLimit = 50

// startReadySteps transitions every ready step of the run to started
// and dispatches one queue message per task. A step is ready when it is
// still created, all its dependencies completed, and its task count is
// resolved and positive. Ready steps with a resolved count of zero are
// the cascade's business, never dispatched here. No-op on failed runs.
//
// Messages are sent before the task rows are written because the rows
// carry the message ids; callers run this inside the transaction that
// owns the run lock.
func (s *WorkflowService) startReadySteps(ctx context.Context, txStore storage.Store, run *models.Run, flow models.Flow, steps []models.Step) error {
	if run.Status == models.FailedRunStatus {
		return nil
	}

	stepBySlug := make(map[string]models.Step, len(steps))
	for _, st := range steps {
		stepBySlug[st.StepSlug] = st
	}

	states, err := txStore.LockStepStates(run.RunID)
	if err != nil {
		return errors.Wrap(err, "failed to lock step states")
	}

	now := time.Now()
	for _, state := range states {
		if state.Status != models.CreatedStepStatus || state.RemainingDeps != 0 {
			continue
		}
		if state.InitialTasks == nil || *state.InitialTasks <= 0 {
			continue
		}
		step, ok := stepBySlug[state.StepSlug]
		if !ok {
			return errors.Errorf("run %q references unknown step %q", run.RunID, state.StepSlug)
		}
		cfg := models.ResolveConfig(step, flow)
		n := *state.InitialTasks

		payloads := make([]json.RawMessage, 0, n)
		for i := 0; i < n; i++ {
			raw, err := json.Marshal(models.TaskMessage{
				FlowSlug:  run.FlowSlug,
				RunID:     run.RunID,
				StepSlug:  state.StepSlug,
				TaskIndex: i,
			})
			if err != nil {
				return errors.Wrap(err, "failed to marshal task message")
			}
			payloads = append(payloads, raw)
		}
		msgIDs, err := s.queue.SendBatch(ctx, queueName(run.FlowSlug), payloads, time.Duration(cfg.StartDelay)*time.Second)
		if err != nil {
			return errors.Wrapf(err, "failed to enqueue %d tasks for step %q", n, state.StepSlug)
		}

		tasks := make([]models.StepTask, 0, n)
		for i := 0; i < n; i++ {
			msgID := msgIDs[i]
			tasks = append(tasks, models.StepTask{
				RunID:     run.RunID,
				StepSlug:  state.StepSlug,
				TaskIndex: i,
				Status:    models.QueuedTaskStatus,
				MessageID: &msgID,
				QueuedAt:  now,
			})
		}
		if err := txStore.SaveStepTasks(tasks); err != nil {
			return errors.Wrapf(err, "failed to save tasks of step %q", state.StepSlug)
		}

		state.Status = models.StartedStepStatus
		state.StartedAt = timePtr(now)
		state.RemainingTasks = intPtr(n)
		if err := txStore.UpdateStepState(state); err != nil {
			return errors.Wrapf(err, "failed to start step %q", state.StepSlug)
		}
		s.logger.Infof("Started step '%s' of run '%s' with %d tasks", state.StepSlug, run.RunID, n)
	}
	return nil
}

// cascadeCompleteTasklessSteps completes, without dispatching any work,
// every step whose dependencies are satisfied and whose resolved task
// count is zero, then propagates the zero count to map steps that
// depend solely on it. Empty-array map fan-outs resolve this way. The
// loop runs to a fixed point under a safety bound; exceeding the bound
// aborts with ErrCascadeLimit rather than spinning on a malformed
// graph.
func (s *WorkflowService) cascadeCompleteTasklessSteps(txStore storage.Store, run *models.Run, steps []models.Step, deps []models.Dependency) error {
	if run.Status == models.FailedRunStatus {
		return nil
	}

	stepBySlug := make(map[string]models.Step, len(steps))
	for _, st := range steps {
		stepBySlug[st.StepSlug] = st
	}
	dependents := make(map[string][]string)
	for _, d := range deps {
		dependents[d.DepSlug] = append(dependents[d.DepSlug], d.StepSlug)
	}

	completedAny := false
	for iter := 0; ; iter++ {
		if iter >= cascadeLimit {
			return errors.Wrapf(ErrCascadeLimit, "run %q", run.RunID)
		}

		states, err := txStore.LockStepStates(run.RunID)
		if err != nil {
			return errors.Wrap(err, "failed to lock step states")
		}
		stateBySlug := make(map[string]models.StepState, len(states))
		for _, st := range states {
			stateBySlug[st.StepSlug] = st
		}

		progress := false
		for _, state := range states {
			if state.Status != models.CreatedStepStatus || state.RemainingDeps != 0 {
				continue
			}
			if state.InitialTasks == nil || *state.InitialTasks != 0 {
				continue
			}

			now := time.Now()
			state.Status = models.CompletedStepStatus
			state.RemainingTasks = intPtr(0)
			state.CompletedAt = timePtr(now)
			if err := txStore.UpdateStepState(state); err != nil {
				return errors.Wrapf(err, "failed to complete taskless step %q", state.StepSlug)
			}
			stateBySlug[state.StepSlug] = state
			run.RemainingSteps--

			for _, depSlug := range dependents[state.StepSlug] {
				ds, ok := stateBySlug[depSlug]
				if !ok {
					return errors.Errorf("run %q has no state for step %q", run.RunID, depSlug)
				}
				ds.RemainingDeps--
				dStep := stepBySlug[depSlug]
				if dStep.StepType == models.MapStepType && ds.InitialTasks == nil {
					// A map step fed by an empty step has nothing to
					// fan out over.
					ds.InitialTasks = intPtr(0)
				}
				if err := txStore.UpdateStepState(ds); err != nil {
					return errors.Wrapf(err, "failed to update dependent step %q", depSlug)
				}
				stateBySlug[depSlug] = ds
			}

			progress = true
			completedAny = true
			s.logger.Infof("Completed taskless step '%s' of run '%s'", state.StepSlug, run.RunID)
		}
		if !progress {
			break
		}
	}

	if completedAny {
		if err := txStore.UpdateRun(*run); err != nil {
			return errors.Wrapf(err, "failed to update run %q", run.RunID)
		}
	}
	return nil
}
