package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// StartFlow creates a run of a flow against the given JSON input and
// dispatches whatever work is immediately ready. When runID is empty a
// UUID is generated.
//
// Initial task counts resolve at creation time where possible: single
// steps get 1, root map steps get the input array length, dependent map
// steps stay unresolved until their dependency completes. Flows with
// root map steps require an array input.
func (s *WorkflowService) StartFlow(ctx context.Context, flowSlug string, input json.RawMessage, runID string) (run models.Run, err error) {
	flow, err := s.store.GetFlow(flowSlug)
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "flow %q not found", flowSlug)
	}
	steps, err := s.store.ListSteps(flowSlug)
	if err != nil {
		return models.Run{}, errors.Wrap(err, "failed to list steps")
	}
	deps, err := s.store.ListDependencies(flowSlug)
	if err != nil {
		return models.Run{}, errors.Wrap(err, "failed to list dependencies")
	}

	if input == nil {
		input = json.RawMessage("null")
	}
	inputLen, inputIsArray := jsonArrayLen(input)
	for _, st := range steps {
		if st.StepType == models.MapStepType && st.DepsCount == 0 && !inputIsArray {
			return models.Run{}, errors.Wrapf(ErrRootMapInputNotArray, "flow %q step %q", flowSlug, st.StepSlug)
		}
	}

	if runID == "" {
		runID = uuid.NewString()
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Run{}, errors.Wrap(err, "failed to begin transaction")
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

	now := time.Now()
	run = models.Run{
		RunID:          runID,
		FlowSlug:       flowSlug,
		Status:         models.StartedRunStatus,
		Input:          input,
		RemainingSteps: len(steps),
		StartedAt:      now,
	}
	if err = txStore.SaveRun(run); err != nil {
		return models.Run{}, errors.Wrapf(err, "failed to save run %q", runID)
	}

	states := make([]models.StepState, 0, len(steps))
	for _, st := range steps {
		state := models.StepState{
			RunID:         runID,
			StepSlug:      st.StepSlug,
			Status:        models.CreatedStepStatus,
			RemainingDeps: st.DepsCount,
			CreatedAt:     now,
		}
		switch {
		case st.StepType == models.SingleStepType:
			state.InitialTasks = intPtr(1)
		case st.DepsCount == 0:
			// Root map: fan out over the run input array.
			state.InitialTasks = intPtr(inputLen)
		default:
			// Dependent map: unknown until the dependency completes.
		}
		states = append(states, state)
	}
	if err = txStore.SaveStepStates(states); err != nil {
		return models.Run{}, errors.Wrap(err, "failed to save step states")
	}

	if err = s.cascadeCompleteTasklessSteps(txStore, &run, steps, deps); err != nil {
		return models.Run{}, err
	}
	if err = s.startReadySteps(ctx, txStore, &run, flow, steps); err != nil {
		return models.Run{}, err
	}
	if err = s.maybeCompleteRun(txStore, &run, steps, deps); err != nil {
		return models.Run{}, err
	}

	s.logger.Infof("Started run '%s' of flow '%s' with %d steps", runID, flowSlug, len(steps))
	return run, nil
}

// GetRunWithStates returns the run and all its step states as one
// document.
func (s *WorkflowService) GetRunWithStates(runID string) (models.RunWithStates, error) {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return models.RunWithStates{}, errors.Wrapf(err, "failed to get run %q", runID)
	}
	states, err := s.store.GetStepStates(runID)
	if err != nil {
		return models.RunWithStates{}, errors.Wrapf(err, "failed to get step states of run %q", runID)
	}
	return models.RunWithStates{Run: run, StepStates: states}, nil
}

// maybeCompleteRun marks the run completed once no steps remain,
// aggregating every leaf step's output into the run output. Leaf steps
// are steps that are nobody's dependency: single steps contribute their
// lone task's output under the step slug, map steps contribute the
// index-ordered array of task outputs.
func (s *WorkflowService) maybeCompleteRun(txStore storage.Store, run *models.Run, steps []models.Step, deps []models.Dependency) error {
	if run.RemainingSteps != 0 || run.Status != models.StartedRunStatus {
		return nil
	}

	isDep := make(map[string]bool)
	for _, d := range deps {
		isDep[d.DepSlug] = true
	}

	output := make(map[string]json.RawMessage)
	for _, st := range steps {
		if isDep[st.StepSlug] {
			continue
		}
		state, err := txStore.GetStepState(run.RunID, st.StepSlug)
		if err != nil {
			return errors.Wrapf(err, "failed to get state of leaf step %q", st.StepSlug)
		}
		if state.Status != models.CompletedStepStatus {
			continue
		}
		out, err := s.stepOutputJSON(txStore, run.RunID, st)
		if err != nil {
			return err
		}
		output[st.StepSlug] = out
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return errors.Wrap(err, "failed to marshal run output")
	}
	run.Status = models.CompletedRunStatus
	run.Output = raw
	run.CompletedAt = timePtr(time.Now())
	if err := txStore.UpdateRun(*run); err != nil {
		return errors.Wrapf(err, "failed to complete run %q", run.RunID)
	}
	s.logger.Infof("Completed run '%s' of flow '%s'", run.RunID, run.FlowSlug)
	return nil
}

// stepOutputJSON renders a completed step's output: the lone task
// output for single steps, the index-ordered array of task outputs for
// map steps. Taskless map steps render as an empty array.
func (s *WorkflowService) stepOutputJSON(txStore storage.Store, runID string, step models.Step) (json.RawMessage, error) {
	tasks, err := txStore.ListStepTasks(runID, step.StepSlug)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tasks of step %q", step.StepSlug)
	}
	if step.StepType == models.SingleStepType {
		if len(tasks) == 0 {
			return json.RawMessage("null"), nil
		}
		if tasks[0].Output == nil {
			return json.RawMessage("null"), nil
		}
		return tasks[0].Output, nil
	}
	outs := make([]json.RawMessage, 0, len(tasks))
	for _, t := range tasks {
		if t.Output == nil {
			outs = append(outs, json.RawMessage("null"))
			continue
		}
		outs = append(outs, t.Output)
	}
	raw, err := json.Marshal(outs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal outputs of map step %q", step.StepSlug)
	}
	return raw, nil
}
