package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-memory Queue with visibility-timeout semantics,
// suitable for tests and embedded single-process use.
type MemoryQueue struct {
	mu       sync.Mutex
	nextID   int64
	queues   map[string][]*Message
	archived map[string][]*Message
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:   make(map[string][]*Message),
		archived: make(map[string][]*Message),
	}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Send(ctx context.Context, queueName string, payload json.RawMessage, delay time.Duration) (int64, error) {
	ids, err := q.SendBatch(ctx, queueName, []json.RawMessage{payload}, delay)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (q *MemoryQueue) SendBatch(ctx context.Context, queueName string, payloads []json.RawMessage, delay time.Duration) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	ids := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		q.nextID++
		msg := &Message{
			ID:         q.nextID,
			Payload:    p,
			EnqueuedAt: now,
			VisibleAt:  now.Add(delay),
		}
		q.queues[queueName] = append(q.queues[queueName], msg)
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

func (q *MemoryQueue) Read(ctx context.Context, queueName string, vt time.Duration, qty int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	msgs := q.queues[queueName]
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].VisibleAt.Equal(msgs[j].VisibleAt) {
			return msgs[i].VisibleAt.Before(msgs[j].VisibleAt)
		}
		return msgs[i].ID < msgs[j].ID
	})

	var out []Message
	for _, m := range msgs {
		if len(out) >= qty {
			break
		}
		if m.VisibleAt.After(now) {
			continue
		}
		m.VisibleAt = now.Add(vt)
		m.ReadCount++
		out = append(out, *m)
	}
	return out, nil
}

func (q *MemoryQueue) SetVisibilityTimeout(ctx context.Context, queueName string, msgID int64, delay time.Duration) error {
	return q.SetVisibilityTimeoutBatch(ctx, queueName, []int64{msgID}, delay)
}

func (q *MemoryQueue) SetVisibilityTimeoutBatch(ctx context.Context, queueName string, msgIDs []int64, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	wanted := make(map[int64]bool, len(msgIDs))
	for _, id := range msgIDs {
		wanted[id] = true
	}
	visibleAt := time.Now().Add(delay)
	for _, m := range q.queues[queueName] {
		if wanted[m.ID] {
			m.VisibleAt = visibleAt
		}
	}
	return nil
}

func (q *MemoryQueue) Archive(ctx context.Context, queueName string, msgIDs ...int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	wanted := make(map[int64]bool, len(msgIDs))
	for _, id := range msgIDs {
		wanted[id] = true
	}
	var kept []*Message
	for _, m := range q.queues[queueName] {
		if wanted[m.ID] {
			q.archived[queueName] = append(q.archived[queueName], m)
			continue
		}
		kept = append(kept, m)
	}
	q.queues[queueName] = kept
	return nil
}

// Len returns the number of live messages on the queue, visible or not.
func (q *MemoryQueue) Len(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queueName])
}

// ArchivedLen returns the number of archived messages.
func (q *MemoryQueue) ArchivedLen(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.archived[queueName])
}

// Message returns a copy of a live message without reading it, so
// callers can inspect visibility state.
func (q *MemoryQueue) Message(queueName string, msgID int64) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.queues[queueName] {
		if m.ID == msgID {
			return *m, true
		}
	}
	return Message{}, false
}
