package storage_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Run("FlowCRUD", func(t *testing.T) {
		s := storage.NewMemoryStore()
		_, err := s.GetFlow("etl")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.UpsertFlow(models.Flow{Slug: "etl", MaxAttempts: 3, BaseDelay: 1, Timeout: 60, CreatedAt: time.Now()}))
		flow, err := s.GetFlow("etl")
		require.NoError(t, err)
		assert.Equal(t, 3, flow.MaxAttempts)

		require.NoError(t, s.UpsertFlow(models.Flow{Slug: "etl", MaxAttempts: 9, BaseDelay: 1, Timeout: 60, CreatedAt: time.Now()}))
		flow, err = s.GetFlow("etl")
		require.NoError(t, err)
		assert.Equal(t, 9, flow.MaxAttempts)

		require.NoError(t, s.UpsertFlow(models.Flow{Slug: "abc", MaxAttempts: 1, BaseDelay: 1, Timeout: 60, CreatedAt: time.Now()}))
		flows, err := s.ListFlows()
		require.NoError(t, err)
		require.Len(t, flows, 2)
		assert.Equal(t, "abc", flows[0].Slug)
		assert.Equal(t, "etl", flows[1].Slug)
	})

	t.Run("StepsKeepInsertionOrder", func(t *testing.T) {
		s := storage.NewMemoryStore()
		require.NoError(t, s.SaveStep(models.Step{FlowSlug: "etl", StepSlug: "z", StepIndex: 0}))
		require.NoError(t, s.SaveStep(models.Step{FlowSlug: "etl", StepSlug: "a", StepIndex: 1}))

		steps, err := s.ListSteps("etl")
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "z", steps[0].StepSlug)
		assert.Equal(t, "a", steps[1].StepSlug)

		n, err := s.CountSteps("etl")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// Duplicate slugs are rejected
		assert.Error(t, s.SaveStep(models.Step{FlowSlug: "etl", StepSlug: "z"}))
	})

	t.Run("StepStatesSortedBySlug", func(t *testing.T) {
		s := storage.NewMemoryStore()
		require.NoError(t, s.SaveRun(models.Run{RunID: "r1", FlowSlug: "etl", Status: models.StartedRunStatus, Input: json.RawMessage(`{}`)}))
		require.NoError(t, s.SaveStepStates([]models.StepState{
			{RunID: "r1", StepSlug: "z", Status: models.CreatedStepStatus},
			{RunID: "r1", StepSlug: "a", Status: models.CreatedStepStatus},
		}))

		states, err := s.GetStepStates("r1")
		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.Equal(t, "a", states[0].StepSlug)
		assert.Equal(t, "z", states[1].StepSlug)
	})

	t.Run("TransactionCommit", func(t *testing.T) {
		s := storage.NewMemoryStore()
		tx, err := s.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.UpsertFlow(models.Flow{Slug: "etl"}))
		require.NoError(t, tx.Commit())

		_, err = s.GetFlow("etl")
		assert.NoError(t, err)
	})

	t.Run("TransactionRollback", func(t *testing.T) {
		s := storage.NewMemoryStore()
		require.NoError(t, s.UpsertFlow(models.Flow{Slug: "keep", MaxAttempts: 1}))

		tx, err := s.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.UpsertFlow(models.Flow{Slug: "tmp"}))
		require.NoError(t, tx.UpsertFlow(models.Flow{Slug: "keep", MaxAttempts: 5}))
		require.NoError(t, tx.Rollback())

		_, err = s.GetFlow("tmp")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		kept, err := s.GetFlow("keep")
		require.NoError(t, err)
		assert.Equal(t, 1, kept.MaxAttempts)
	})

	t.Run("ClaimableTasksFilter", func(t *testing.T) {
		s := storage.NewMemoryStore()
		require.NoError(t, s.SaveRun(models.Run{RunID: "ok", FlowSlug: "etl", Status: models.StartedRunStatus, Input: json.RawMessage(`{}`)}))
		require.NoError(t, s.SaveRun(models.Run{RunID: "bad", FlowSlug: "etl", Status: models.FailedRunStatus, Input: json.RawMessage(`{}`)}))
		require.NoError(t, s.SaveRun(models.Run{RunID: "other", FlowSlug: "elsewhere", Status: models.StartedRunStatus, Input: json.RawMessage(`{}`)}))

		id1, id2, id3, id4 := int64(1), int64(2), int64(3), int64(4)
		require.NoError(t, s.SaveStepTasks([]models.StepTask{
			{RunID: "ok", StepSlug: "a", TaskIndex: 0, Status: models.QueuedTaskStatus, MessageID: &id1},
			{RunID: "ok", StepSlug: "a", TaskIndex: 1, Status: models.StartedTaskStatus, MessageID: &id2},
			{RunID: "bad", StepSlug: "a", TaskIndex: 0, Status: models.QueuedTaskStatus, MessageID: &id3},
			{RunID: "other", StepSlug: "a", TaskIndex: 0, Status: models.QueuedTaskStatus, MessageID: &id4},
		}))

		tasks, err := s.ListClaimableTasks("etl", []int64{1, 2, 3, 4})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "ok", tasks[0].RunID)
		assert.Equal(t, 0, tasks[0].TaskIndex)

		// Only queued and started tasks hold live messages
		ids, err := s.ListActiveMessageIDs("ok")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, ids)
	})

	t.Run("TaskLifecycle", func(t *testing.T) {
		s := storage.NewMemoryStore()
		require.NoError(t, s.SaveRun(models.Run{RunID: "r1", FlowSlug: "etl", Status: models.StartedRunStatus, Input: json.RawMessage(`{}`)}))
		require.NoError(t, s.SaveStepTasks([]models.StepTask{
			{RunID: "r1", StepSlug: "a", TaskIndex: 0, Status: models.QueuedTaskStatus},
			{RunID: "r1", StepSlug: "a", TaskIndex: 1, Status: models.QueuedTaskStatus},
		}))

		task, err := s.GetStepTask("r1", "a", 1)
		require.NoError(t, err)
		task.Status = models.CompletedTaskStatus
		task.Output = json.RawMessage(`42`)
		require.NoError(t, s.UpdateStepTask(task))

		n, err := s.CountCompletedTasks("r1", "a")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		tasks, err := s.ListStepTasks("r1", "a")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, models.QueuedTaskStatus, tasks[0].Status)
		assert.Equal(t, models.CompletedTaskStatus, tasks[1].Status)

		_, err = s.GetStepTask("r1", "a", 5)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
