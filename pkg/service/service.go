package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/queue"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
)

// Logger defines the logging interface for WorkflowService.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// visibilityMargin is added on top of a task's effective timeout when
// extending its message visibility at claim time, so the handler has
// the full timeout before the queue re-delivers.
const visibilityMargin = 2 * time.Second

// WorkflowService is the engine's public command surface. Flows are DAG
// definitions; runs execute flows by dispatching step tasks through the
// queue and advancing a per-run state machine as workers complete them.
//
// Every mutating operation executes as one store transaction that locks
// the run row first, then step state rows ordered by step_slug. All
// operations follow that order, so concurrent completions of sibling
// steps cannot deadlock.
type WorkflowService struct {
	store  storage.Store
	queue  queue.Queue
	logger Logger
}

// NewWorkflowService wires the engine to its storage and queue
// collaborators.
func NewWorkflowService(store storage.Store, q queue.Queue, logger Logger) *WorkflowService {
	return &WorkflowService{store: store, queue: q, logger: logger}
}

// queueName returns the queue a flow's task messages travel on: one
// logical queue per flow.
func queueName(flowSlug string) string { return flowSlug }

// queueOps accumulates queue mutations decided inside a store
// transaction. Archives and visibility changes are applied only after
// the transaction commits: a rolled-back transaction must leave the
// messages untouched so the at-least-once queue re-delivers them.
// Sends are the exception: they happen inside the transaction because
// task rows reference the returned message ids; a subsequent rollback
// merely orphans messages whose claims then find no queued task.
type queueOps struct {
	queueName string
	archive   []int64
	delays    map[int64]time.Duration
}

func newQueueOps(flowSlug string) *queueOps {
	return &queueOps{queueName: queueName(flowSlug), delays: make(map[int64]time.Duration)}
}

func (ops *queueOps) archiveMsg(id *int64) {
	if id != nil {
		ops.archive = append(ops.archive, *id)
	}
}

func (ops *queueOps) delayMsg(id *int64, delay time.Duration) {
	if id != nil {
		ops.delays[*id] = delay
	}
}

func (ops *queueOps) apply(ctx context.Context, q queue.Queue, logger Logger) {
	byDelay := make(map[time.Duration][]int64)
	for id, delay := range ops.delays {
		byDelay[delay] = append(byDelay[delay], id)
	}
	for delay, ids := range byDelay {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if err := q.SetVisibilityTimeoutBatch(ctx, ops.queueName, ids, delay); err != nil {
			logger.Errorf("Failed to set visibility timeout for messages %v: %v", ids, err)
		}
	}
	if len(ops.archive) > 0 {
		sort.Slice(ops.archive, func(i, j int) bool { return ops.archive[i] < ops.archive[j] })
		if err := q.Archive(ctx, ops.queueName, ops.archive...); err != nil {
			logger.Errorf("Failed to archive %d messages: %v", len(ops.archive), err)
		}
	}
}

// isJSONArray reports whether raw is a JSON array. A nil slice
// unmarshals from null without error, so the check inspects the first
// significant byte instead: null is not an array.
func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b == '['
	}
	return false
}

func jsonArrayLen(raw json.RawMessage) (int, bool) {
	if !isJSONArray(raw) {
		return 0, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return 0, false
	}
	return len(arr), true
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
