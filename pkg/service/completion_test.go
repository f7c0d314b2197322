package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteTask(t *testing.T) {
	ctx := context.Background()

	t.Run("LinearFlowEndToEnd", func(t *testing.T) {
		svc, _, q := newTestService(t)
		_, err := svc.CreateFlow("etl", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("etl", "extract", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep("etl", "load", []string{"extract"}, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "etl", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "etl", "worker-1")
		require.Len(t, claimed, 1)
		completeAll(t, svc, claimed, json.RawMessage(`{"rows": 2}`))

		// Completing the root dispatched the dependent
		claimed = claimAll(t, svc, "etl", "worker-1")
		require.Len(t, claimed, 1)
		require.Equal(t, "load", claimed[0].StepSlug)
		completeAll(t, svc, claimed, json.RawMessage(`"loaded"`))

		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, rws.Run.Status)
		require.NotNil(t, rws.Run.CompletedAt)
		// load is the only leaf
		assert.JSONEq(t, `{"load": "loaded"}`, string(rws.Run.Output))
		// All messages archived
		assert.Equal(t, 0, q.Len("etl"))
		assert.Equal(t, 2, q.ArchivedLen("etl"))
	})

	t.Run("MultipleLeavesAggregate", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("fan", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("fan", "root", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep("fan", "left", []string{"root"}, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep("fan", "right", []string{"root"}, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "fan", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "fan", "worker-1")
		require.Len(t, claimed, 1)
		completeAll(t, svc, claimed, json.RawMessage(`1`))

		claimed = claimAll(t, svc, "fan", "worker-1")
		require.Len(t, claimed, 2)
		for _, c := range claimed {
			_, err := svc.CompleteTask(ctx, run.RunID, c.StepSlug, c.TaskIndex, json.RawMessage(`"`+c.StepSlug+`"`))
			require.NoError(t, err)
		}

		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, rws.Run.Status)
		assert.JSONEq(t, `{"left": "left", "right": "right"}`, string(rws.Run.Output))
	})

	t.Run("MapFanOutAggregatesInIndexOrder", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("squares", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("squares", "square", nil, service.StepOptions{}, models.MapStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "squares", json.RawMessage(`[1, 2, 3]`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "squares", "worker-1")
		require.Len(t, claimed, 3)

		// Complete out of order; aggregation is by task index
		for _, idx := range []int{2, 0, 1} {
			n := (idx + 1) * (idx + 1)
			raw, _ := json.Marshal(n)
			_, err := svc.CompleteTask(ctx, run.RunID, "square", idx, raw)
			require.NoError(t, err)
		}

		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, rws.Run.Status)
		assert.JSONEq(t, `{"square": [1, 4, 9]}`, string(rws.Run.Output))
	})

	t.Run("SingleFeedsMapFanOut", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("pipe", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "fetch", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "mapper", []string{"fetch"}, service.StepOptions{}, models.MapStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "pipe", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "pipe", "worker-1")
		require.Len(t, claimed, 1)
		completeAll(t, svc, claimed, json.RawMessage(`["a", "b"]`))

		claimed = claimAll(t, svc, "pipe", "worker-1")
		require.Len(t, claimed, 2)
		byIndex := make(map[int]string)
		for _, c := range claimed {
			assert.Equal(t, "mapper", c.StepSlug)
			byIndex[c.TaskIndex] = string(c.Input)
		}
		assert.Equal(t, `"a"`, byIndex[0])
		assert.Equal(t, `"b"`, byIndex[1])

		for idx := 0; idx < 2; idx++ {
			_, err := svc.CompleteTask(ctx, run.RunID, "mapper", idx, json.RawMessage(`"done"`))
			require.NoError(t, err)
		}
		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, rws.Run.Status)
		assert.JSONEq(t, `{"mapper": ["done", "done"]}`, string(rws.Run.Output))
	})

	t.Run("MapFeedsMapFanOut", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("pipe", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "items", nil, service.StepOptions{}, models.MapStepType)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "double", []string{"items"}, service.StepOptions{}, models.MapStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "pipe", json.RawMessage(`[5, 7]`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "pipe", "worker-1")
		require.Len(t, claimed, 2)
		_, err = svc.CompleteTask(ctx, run.RunID, "items", 0, json.RawMessage(`10`))
		require.NoError(t, err)
		_, err = svc.CompleteTask(ctx, run.RunID, "items", 1, json.RawMessage(`14`))
		require.NoError(t, err)

		// The dependent map's fan-out equals the parent's task count
		claimed = claimAll(t, svc, "pipe", "worker-1")
		require.Len(t, claimed, 2)
		byIndex := make(map[int]string)
		for _, c := range claimed {
			byIndex[c.TaskIndex] = string(c.Input)
		}
		assert.Equal(t, "10", byIndex[0])
		assert.Equal(t, "14", byIndex[1])

		_, err = svc.CompleteTask(ctx, run.RunID, "double", 0, json.RawMessage(`20`))
		require.NoError(t, err)
		_, err = svc.CompleteTask(ctx, run.RunID, "double", 1, json.RawMessage(`28`))
		require.NoError(t, err)

		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, rws.Run.Status)
		assert.JSONEq(t, `{"double": [20, 28]}`, string(rws.Run.Output))
	})

	t.Run("NonArrayOutputIntoMapFailsRun", func(t *testing.T) {
		svc, _, q := newTestService(t)
		_, err := svc.CreateFlow("pipe", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "fetch", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "mapper", []string{"fetch"}, service.StepOptions{}, models.MapStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "pipe", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "pipe", "worker-1")
		require.Len(t, claimed, 1)

		tasks, err := svc.CompleteTask(ctx, run.RunID, "fetch", 0, json.RawMessage(`{"not": "array"}`))
		require.NoError(t, err)
		assert.Empty(t, tasks)

		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, rws.Run.Status)
		require.NotNil(t, rws.Run.FailedAt)
		for _, st := range rws.StepStates {
			if st.StepSlug == "fetch" {
				assert.Equal(t, models.FailedStepStatus, st.Status)
				assert.NotEmpty(t, st.ErrorMessage)
			}
		}
		// Every in-flight message of the run was archived
		assert.Equal(t, 0, q.Len("pipe"))
		assert.Equal(t, 1, q.ArchivedLen("pipe"))
	})

	t.Run("NullOutputIntoMapFailsRun", func(t *testing.T) {
		svc, _, q := newTestService(t)
		_, err := svc.CreateFlow("pipe", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "fetch", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "mapper", []string{"fetch"}, service.StepOptions{}, models.MapStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "pipe", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "pipe", "worker-1")
		require.Len(t, claimed, 1)

		// null is not an array either; a nil output is coerced to null,
		// so it must not slip past the fan-out guard.
		tasks, err := svc.CompleteTask(ctx, run.RunID, "fetch", 0, nil)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, rws.Run.Status)
		for _, st := range rws.StepStates {
			if st.StepSlug == "fetch" {
				assert.Equal(t, models.FailedStepStatus, st.Status)
				assert.NotEmpty(t, st.ErrorMessage)
			}
		}
		assert.Equal(t, 0, q.Len("pipe"))
		assert.Equal(t, 1, q.ArchivedLen("pipe"))
	})

	t.Run("CompleteOnFailedRunIsNoop", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("pipe", 1, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "a", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "b", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "pipe", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "pipe", "worker-1")
		require.Len(t, claimed, 2)

		_, err = svc.FailTask(ctx, run.RunID, "a", 0, "boom")
		require.NoError(t, err)

		// b's late completion is absorbed without touching state
		tasks, err := svc.CompleteTask(ctx, run.RunID, "b", 0, json.RawMessage(`"late"`))
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, models.StartedTaskStatus, tasks[0].Status)

		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, rws.Run.Status)
	})

	t.Run("RepeatCompleteIsNoop", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("etl", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("etl", "extract", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "etl", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "etl", "worker-1")
		require.Len(t, claimed, 1)
		completeAll(t, svc, claimed, json.RawMessage(`1`))

		tasks, err := svc.CompleteTask(ctx, run.RunID, "extract", 0, json.RawMessage(`2`))
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		// First output sticks
		assert.JSONEq(t, `1`, string(tasks[0].Output))
	})

	t.Run("UnknownTask", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("etl", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("etl", "extract", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "etl", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		_, err = svc.CompleteTask(ctx, run.RunID, "extract", 7, json.RawMessage(`1`))
		assert.Error(t, err)
	})
}

func TestFailTask(t *testing.T) {
	ctx := context.Background()

	t.Run("RequeuesWithBackoff", func(t *testing.T) {
		svc, _, q := newTestService(t)
		_, err := svc.CreateFlow("etl", 3, 1, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("etl", "extract", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "etl", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "etl", "worker-1")
		require.Len(t, claimed, 1)

		tasks, err := svc.FailTask(ctx, run.RunID, "extract", 0, "boom")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		task := tasks[0]
		assert.Equal(t, models.QueuedTaskStatus, task.Status)
		assert.Equal(t, 1, task.AttemptsCount)
		assert.Nil(t, task.StartedAt)
		assert.Equal(t, "boom", task.ErrorMessage)

		// Message stays live but hidden behind the backoff
		assert.Equal(t, 1, q.Len("etl"))
		ids, err := svc.ReadWithPoll(ctx, "etl", 30*time.Second, 10, 50*time.Millisecond, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, ids)

		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StartedRunStatus, rws.Run.Status)
	})

	t.Run("ExhaustedAttemptsFailRun", func(t *testing.T) {
		svc, _, q := newTestService(t)
		_, err := svc.CreateFlow("etl", 2, 1, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("etl", "extract", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "etl", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		// First attempt fails and requeues
		claimed := claimAll(t, svc, "etl", "worker-1")
		require.Len(t, claimed, 1)
		msgID := *claimed[0].MessageID
		_, err = svc.FailTask(ctx, run.RunID, "extract", 0, "first")
		require.NoError(t, err)

		// Cut the backoff short and claim the retry
		require.NoError(t, q.SetVisibilityTimeoutBatch(ctx, "etl", []int64{msgID}, 0))
		claimed = claimAll(t, svc, "etl", "worker-1")
		require.Len(t, claimed, 1)
		assert.Equal(t, 2, claimed[0].AttemptsCount)

		// Second failure exhausts the budget
		tasks, err := svc.FailTask(ctx, run.RunID, "extract", 0, "second")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, models.FailedTaskStatus, tasks[0].Status)
		assert.Equal(t, "second", tasks[0].ErrorMessage)

		rws, err := svc.GetRunWithStates(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, rws.Run.Status)
		assert.Equal(t, models.FailedStepStatus, rws.StepStates[0].Status)
		assert.Equal(t, 0, q.Len("etl"))
		assert.Equal(t, 1, q.ArchivedLen("etl"))
	})

	t.Run("FailOnFailedRunForcesTaskTerminal", func(t *testing.T) {
		svc, _, q := newTestService(t)
		_, err := svc.CreateFlow("pipe", 1, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "a", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep("pipe", "b", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "pipe", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		claimed := claimAll(t, svc, "pipe", "worker-1")
		require.Len(t, claimed, 2)

		_, err = svc.FailTask(ctx, run.RunID, "a", 0, "boom")
		require.NoError(t, err)

		// b's late failure goes terminal without retry
		tasks, err := svc.FailTask(ctx, run.RunID, "b", 0, "late")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, models.FailedTaskStatus, tasks[0].Status)
		assert.Equal(t, 0, q.Len("pipe"))
		assert.Equal(t, 2, q.ArchivedLen("pipe"))
	})

	t.Run("FailUnclaimedTaskIsNoop", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("etl", 0, 0, 0)
		require.NoError(t, err)
		_, err = svc.AddStep("etl", "extract", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		run, err := svc.StartFlow(ctx, "etl", json.RawMessage(`{}`), "")
		require.NoError(t, err)

		tasks, err := svc.FailTask(ctx, run.RunID, "extract", 0, "boom")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, models.QueuedTaskStatus, tasks[0].Status)
		assert.Equal(t, 0, tasks[0].AttemptsCount)
	})
}
