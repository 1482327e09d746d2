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

// Package persistence defines the storage contracts for shards, workflow
// executions/history, and task queue items, plus in-memory implementations
// of each. SQL-backed implementations live in persistence/sql.
package persistence

import (
	"context"
	"time"

	"github.com/durableflow/durableflow/common/types"
)

// ShardStore persists shard ownership rows.
type ShardStore interface {
	// InitializeShards idempotently creates N shard rows with evenly split
	// hash ranges over the positive signed-64-bit range.
	InitializeShards(ctx context.Context, n int) error
	// Get returns the shard row, or NotFound.
	Get(ctx context.Context, shardID int) (*types.Shard, error)
	// CompareAndSwap writes newShard iff the stored owner/expiry exactly
	// equal expectedOwner/expectedExpiresAt. Zero values get no special
	// meaning: an expired owner does not match an empty expectedOwner.
	// Returns false, nil on mismatch (no error) so callers can decide
	// whether that's ShardUnavailable or a retry.
	CompareAndSwap(ctx context.Context, newShard *types.Shard, expectedOwner string, expectedExpiresAt time.Time) (bool, error)
	// List returns every shard row.
	List(ctx context.Context) ([]*types.Shard, error)
}

// HistoryStore persists workflow execution rows and their history events.
type HistoryStore interface {
	// GetExecution returns the mutable execution row, or NotFound.
	GetExecution(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error)
	// CreateExecution inserts a brand-new execution row at version 1 plus
	// its first history event, atomically. AlreadyExists if the
	// (namespaceID, workflowID) pair already has a running execution.
	CreateExecution(ctx context.Context, exec *types.WorkflowExecution, firstEvent *types.HistoryEvent) error
	// UpdateExecution applies the optimistic-concurrency contract: succeeds
	// only if the stored version equals expectedVersion, and on success
	// stores newExec with version = expectedVersion + 1.
	UpdateExecution(ctx context.Context, newExec *types.WorkflowExecution, expectedVersion int64) error
	// AppendEvents appends events atomically with advancing next_event_id,
	// guarded by expectedVersion exactly like UpdateExecution. Rejects the
	// whole batch if the event IDs aren't contiguous from
	// last_persisted_event_id+1. An empty batch is a no-op success.
	AppendEvents(ctx context.Context, namespaceID, workflowID, runID string, events []*types.HistoryEvent, expectedVersion int64) (int64, error)
	// GetHistory returns events in ID order starting at from, up to max
	// events. lastID+1 is the next page's "from".
	GetHistory(ctx context.Context, namespaceID, workflowID, runID string, from int64, max int) (events []*types.HistoryEvent, firstID, lastID int64, isLast bool, err error)
	// ValidateEventSequence reports whether stored event IDs for the run
	// are exactly 1..N contiguous.
	ValidateEventSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error)
	// GetCurrentExecution returns the most recently created run for the
	// workflow ID, or NotFound.
	GetCurrentExecution(ctx context.Context, namespaceID, workflowID string) (*types.WorkflowExecution, error)
	// ListExecutions returns every execution row in the namespace, ordered
	// by start time then workflow ID.
	ListExecutions(ctx context.Context, namespaceID string) ([]*types.WorkflowExecution, error)
}

// NamespaceStore persists tenant namespaces.
type NamespaceStore interface {
	// Create inserts a namespace; AlreadyExists if the name is taken.
	Create(ctx context.Context, ns *types.Namespace) error
	// Get returns the namespace by ID, or NotFound.
	Get(ctx context.Context, id string) (*types.Namespace, error)
	// GetByName returns the namespace by unique name, or NotFound.
	GetByName(ctx context.Context, name string) (*types.Namespace, error)
	// Update overwrites the namespace row (status/retention changes).
	Update(ctx context.Context, ns *types.Namespace) error
	// List returns every namespace, including soft-deleted ones.
	List(ctx context.Context) ([]*types.Namespace, error)
}

// QueueStore durably persists pending TaskQueueItems for crash recovery of
// the in-memory matching queue.
type QueueStore interface {
	Enqueue(ctx context.Context, item *types.TaskQueueItem) error
	ReadPending(ctx context.Context, namespaceID, queueName string, maxCount int) ([]*types.TaskQueueItem, error)
	DeleteBefore(ctx context.Context, namespaceID, queueName string, taskID int64) error
	UpdateAckLevel(ctx context.Context, namespaceID, queueName string, taskID int64) error
	GetAckLevel(ctx context.Context, namespaceID, queueName string) (int64, error)
}
