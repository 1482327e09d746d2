// Copyright (c) 2024 Durableflow Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package sql

import (
	"context"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS task_queue_items (
	namespace_id  TEXT NOT NULL,
	queue_name    TEXT NOT NULL,
	task_id       BIGINT NOT NULL,
	queue_type    INTEGER NOT NULL,
	workflow_id   TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	scheduled_at  TIMESTAMPTZ NOT NULL,
	payload       BYTEA,
	PRIMARY KEY (namespace_id, queue_name, task_id)
);
CREATE TABLE IF NOT EXISTS task_queue_ack_levels (
	namespace_id  TEXT NOT NULL,
	queue_name    TEXT NOT NULL,
	ack_level     BIGINT NOT NULL,
	PRIMARY KEY (namespace_id, queue_name)
)`

type queueItemRow struct {
	NamespaceID string    `db:"namespace_id"`
	QueueName   string    `db:"queue_name"`
	TaskID      int64     `db:"task_id"`
	QueueType   int       `db:"queue_type"`
	WorkflowID  string    `db:"workflow_id"`
	RunID       string    `db:"run_id"`
	ScheduledAt time.Time `db:"scheduled_at"`
	Payload     []byte    `db:"payload"`
}

// sqlQueueStore persists queue items append-only and tracks a per-queue
// ack level; everything at or below the ack level is reclaimable.
type sqlQueueStore struct {
	sqlStore
}

// NewQueueStore returns a Postgres-backed QueueStore.
func NewQueueStore(db *sqlx.DB, logger log.Logger) (persistence.QueueStore, error) {
	if _, err := db.Exec(queueSchema); err != nil {
		return nil, err
	}
	return &sqlQueueStore{sqlStore{db: db, logger: logger}}, nil
}

func (q *sqlQueueStore) Enqueue(ctx context.Context, item *types.TaskQueueItem) error {
	return q.txExecute(ctx, "Enqueue", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_queue_items
			 (namespace_id, queue_name, task_id, queue_type, workflow_id, run_id, scheduled_at, payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.NamespaceID, item.QueueName, item.TaskID, int(item.QueueType),
			item.WorkflowID, item.RunID, item.ScheduledAt, item.Payload)
		return err
	})
}

func (q *sqlQueueStore) ReadPending(ctx context.Context, namespaceID, queueName string, maxCount int) ([]*types.TaskQueueItem, error) {
	if maxCount <= 0 {
		maxCount = math.MaxInt32
	}
	var rows []queueItemRow
	err := q.db.SelectContext(ctx, &rows,
		`SELECT * FROM task_queue_items WHERE namespace_id = $1 AND queue_name = $2
		 ORDER BY task_id ASC LIMIT $3`,
		namespaceID, queueName, maxCount)
	if err != nil {
		return nil, types.NewPersistenceError(err, "read pending queue items")
	}

	out := make([]*types.TaskQueueItem, len(rows))
	for i, row := range rows {
		out[i] = &types.TaskQueueItem{
			NamespaceID: row.NamespaceID,
			QueueName:   row.QueueName,
			TaskID:      row.TaskID,
			QueueType:   types.QueueType(row.QueueType),
			WorkflowID:  row.WorkflowID,
			RunID:       row.RunID,
			ScheduledAt: row.ScheduledAt,
			Payload:     row.Payload,
			State:       types.TaskPending,
		}
	}
	return out, nil
}

func (q *sqlQueueStore) DeleteBefore(ctx context.Context, namespaceID, queueName string, taskID int64) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM task_queue_items WHERE namespace_id = $1 AND queue_name = $2 AND task_id < $3`,
		namespaceID, queueName, taskID)
	if err != nil {
		return types.NewPersistenceError(err, "delete queue items before %d", taskID)
	}
	return nil
}

func (q *sqlQueueStore) UpdateAckLevel(ctx context.Context, namespaceID, queueName string, taskID int64) error {
	return q.txExecute(ctx, "UpdateAckLevel", func(tx *sqlx.Tx) error {
		var current int64
		err := tx.GetContext(ctx, &current,
			`SELECT ack_level FROM task_queue_ack_levels WHERE namespace_id = $1 AND queue_name = $2 FOR UPDATE`,
			namespaceID, queueName)
		if isNoRows(err) {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO task_queue_ack_levels (namespace_id, queue_name, ack_level) VALUES ($1, $2, $3)`,
				namespaceID, queueName, taskID)
			return err
		}
		if err != nil {
			return err
		}

		// Ignore possibly delayed message.
		if current > taskID {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE task_queue_ack_levels SET ack_level = $1 WHERE namespace_id = $2 AND queue_name = $3`,
			taskID, namespaceID, queueName)
		return err
	})
}

func (q *sqlQueueStore) GetAckLevel(ctx context.Context, namespaceID, queueName string) (int64, error) {
	var level int64
	err := q.db.GetContext(ctx, &level,
		`SELECT ack_level FROM task_queue_ack_levels WHERE namespace_id = $1 AND queue_name = $2`,
		namespaceID, queueName)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewPersistenceError(err, "get ack level")
	}
	return level, nil
}
