package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/internal/log"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/queue"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/service"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*service.WorkflowService, *storage.MemoryStore, *queue.MemoryQueue) {
	t.Helper()
	store := storage.NewMemoryStore()
	q := queue.NewMemoryQueue()
	return service.NewWorkflowService(store, q, log.GetLogger()), store, q
}

// claimAll reads and claims every currently visible message of a flow.
func claimAll(t *testing.T, svc *service.WorkflowService, flowSlug, workerID string) []models.ClaimedTask {
	t.Helper()
	ctx := context.Background()
	msgIDs, err := svc.ReadWithPoll(ctx, flowSlug, 30*time.Second, 100, 50*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	claimed, err := svc.StartTasks(ctx, flowSlug, msgIDs, workerID)
	require.NoError(t, err)
	return claimed
}

// completeAll completes every claimed task with the given output.
func completeAll(t *testing.T, svc *service.WorkflowService, claimed []models.ClaimedTask, output json.RawMessage) {
	t.Helper()
	for _, c := range claimed {
		_, err := svc.CompleteTask(context.Background(), c.RunID, c.StepSlug, c.TaskIndex, output)
		require.NoError(t, err)
	}
}
