package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/queue"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresQueue implements queue.Queue on two tables, queue_messages and
// queue_archive. Read claims visible rows with FOR UPDATE SKIP LOCKED so
// concurrent workers never hand out the same message twice.
type PostgresQueue struct {
	db *sqlx.DB
}

func NewPostgresQueue(db *sqlx.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Send(ctx context.Context, queueName string, payload json.RawMessage, delay time.Duration) (int64, error) {
	var id int64
	err := q.db.QueryRowxContext(ctx, `
		INSERT INTO queue_messages (queue_name, payload, enqueued_at, visible_at, read_count)
		VALUES ($1, $2, now(), now() + $3 * interval '1 second', 0)
		RETURNING msg_id`,
		queueName, []byte(payload), delay.Seconds()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("send to %s: %w", queueName, err)
	}
	return id, nil
}

func (q *PostgresQueue) SendBatch(ctx context.Context, queueName string, payloads []json.RawMessage, delay time.Duration) ([]int64, error) {
	ids := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		id, err := q.Send(ctx, queueName, p, delay)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (q *PostgresQueue) Read(ctx context.Context, queueName string, vt time.Duration, qty int) ([]queue.Message, error) {
	msgs := []queue.Message{}
	err := q.db.SelectContext(ctx, &msgs, `
		UPDATE queue_messages
		SET visible_at = now() + $1 * interval '1 second',
		    read_count = read_count + 1
		WHERE msg_id IN (
			SELECT msg_id FROM queue_messages
			WHERE queue_name = $2 AND visible_at <= now()
			ORDER BY msg_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING msg_id, payload, enqueued_at, visible_at, read_count`,
		vt.Seconds(), queueName, qty)
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", queueName, err)
	}
	return msgs, nil
}

func (q *PostgresQueue) SetVisibilityTimeout(ctx context.Context, queueName string, msgID int64, delay time.Duration) error {
	return q.SetVisibilityTimeoutBatch(ctx, queueName, []int64{msgID}, delay)
}

func (q *PostgresQueue) SetVisibilityTimeoutBatch(ctx context.Context, queueName string, msgIDs []int64, delay time.Duration) error {
	if len(msgIDs) == 0 {
		return nil
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET visible_at = now() + $1 * interval '1 second'
		WHERE queue_name = $2 AND msg_id = ANY($3)`,
		delay.Seconds(), queueName, pq.Array(msgIDs))
	if err != nil {
		return fmt.Errorf("set visibility on %s: %w", queueName, err)
	}
	return nil
}

func (q *PostgresQueue) Archive(ctx context.Context, queueName string, msgIDs ...int64) error {
	if len(msgIDs) == 0 {
		return nil
	}
	_, err := q.db.ExecContext(ctx, `
		WITH moved AS (
			DELETE FROM queue_messages
			WHERE queue_name = $1 AND msg_id = ANY($2)
			RETURNING msg_id, queue_name, payload, enqueued_at, read_count
		)
		INSERT INTO queue_archive (msg_id, queue_name, payload, enqueued_at, read_count, archived_at)
		SELECT msg_id, queue_name, payload, enqueued_at, read_count, now() FROM moved`,
		queueName, pq.Array(msgIDs))
	if err != nil {
		return fmt.Errorf("archive on %s: %w", queueName, err)
	}
	return nil
}
