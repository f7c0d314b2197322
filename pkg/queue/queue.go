package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one queued payload. VisibleAt is the time before which
// Read skips the message; reading a message pushes VisibleAt forward by
// the visibility timeout, hiding it from other readers.
type Message struct {
	ID         int64           `json:"msg_id" db:"msg_id"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at" db:"enqueued_at"`
	VisibleAt  time.Time       `json:"visible_at" db:"visible_at"`
	ReadCount  int             `json:"read_count" db:"read_count"`
}

// Queue is an at-least-once message queue with per-message visibility
// timeouts. The engine consumes it as an injected capability: the task
// claim protocol and the completion engine only ever talk to this
// interface.
type Queue interface {
	// Send enqueues one payload, invisible for delay, and returns its
	// message id.
	Send(ctx context.Context, queueName string, payload json.RawMessage, delay time.Duration) (int64, error)

	// SendBatch enqueues payloads in order and returns their ids.
	SendBatch(ctx context.Context, queueName string, payloads []json.RawMessage, delay time.Duration) ([]int64, error)

	// Read returns up to qty visible messages, hiding each for the
	// visibility timeout. It does not block when the queue is empty.
	Read(ctx context.Context, queueName string, vt time.Duration, qty int) ([]Message, error)

	// SetVisibilityTimeout reschedules one in-flight message to become
	// visible again after delay.
	SetVisibilityTimeout(ctx context.Context, queueName string, msgID int64, delay time.Duration) error

	// SetVisibilityTimeoutBatch reschedules several messages at once.
	SetVisibilityTimeoutBatch(ctx context.Context, queueName string, msgIDs []int64, delay time.Duration) error

	// Archive removes messages from the live queue, retaining them in
	// the archive. Archiving an unknown id is a no-op.
	Archive(ctx context.Context, queueName string, msgIDs ...int64) error
}
