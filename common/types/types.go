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

// Package types holds the plain-struct domain model shared across every
// component: namespaces, workflow executions, history events, shards, and
// task queue items/leases. None of these types know how they are persisted.
package types

import "time"

// NamespaceStatus is the lifecycle state of a Namespace.
type NamespaceStatus int

const (
	NamespaceActive NamespaceStatus = iota
	NamespaceDeprecated
	NamespaceDeleted
)

// Namespace is the tenant boundary.
type Namespace struct {
	ID              string
	Name            string
	RetentionDays   int32
	ArchivalEnabled bool
	Status          NamespaceStatus
	CreatedAt       time.Time
}

// ExecutionState is the lifecycle state of a WorkflowExecution.
type ExecutionState int

const (
	ExecutionRunning ExecutionState = iota
	ExecutionCompleted
	ExecutionFailed
	ExecutionCanceled
	ExecutionTerminated
	ExecutionContinuedAsNew
	ExecutionTimedOut
)

func (s ExecutionState) IsTerminal() bool {
	return s != ExecutionRunning
}

func (s ExecutionState) String() string {
	switch s {
	case ExecutionRunning:
		return "Running"
	case ExecutionCompleted:
		return "Completed"
	case ExecutionFailed:
		return "Failed"
	case ExecutionCanceled:
		return "Canceled"
	case ExecutionTerminated:
		return "Terminated"
	case ExecutionContinuedAsNew:
		return "ContinuedAsNew"
	case ExecutionTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// WorkflowExecution is the mutable state of one run.
type WorkflowExecution struct {
	NamespaceID  string
	WorkflowID   string
	RunID        string
	WorkflowType string
	TaskQueue    string
	State        ExecutionState

	NextEventID          int64
	LastProcessedEventID int64

	ParentNamespaceID string
	ParentWorkflowID  string
	ParentRunID       string

	ShardID int

	// Version is the optimistic-concurrency counter. It increases by exactly
	// one per successful Update.
	Version int64

	CompletionEventID int64

	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// Clone returns a deep-enough copy for callers that must mutate a
// candidate without affecting the stored row until Update succeeds.
func (w *WorkflowExecution) Clone() *WorkflowExecution {
	clone := *w
	return &clone
}

// HistoryEvent is an immutable, append-only row in a run's event log.
type HistoryEvent struct {
	NamespaceID   string
	WorkflowID    string
	RunID         string
	EventID       int64
	EventType     string
	EventTime     time.Time
	TaskID        int64 // -1 if not decision-bound
	SchemaVersion int32
	Payload       []byte
}

// Shard is a unit of ownership over a hash range of the workflow key space.
type Shard struct {
	ShardID        int
	OwnerIdentity  string
	LeaseExpiresAt time.Time
	RangeStart     int64
	RangeEnd       int64
	LastHeartbeat  time.Time
}

// Owned reports whether the shard currently has a live owner as of now.
func (s *Shard) Owned(now time.Time) bool {
	return s.OwnerIdentity != "" && now.Before(s.LeaseExpiresAt)
}

// QueueType distinguishes workflow task queues from activity task queues.
type QueueType int

const (
	QueueWorkflow QueueType = iota
	QueueActivity
)

// TaskState is the per-task state machine position.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskLeased
	TaskCompleted
	TaskFailedPermanent
	TaskDeadLettered
)

// TaskQueueItem is one pending (or leased) unit of work.
type TaskQueueItem struct {
	InstanceID    int64
	NamespaceID   string
	QueueName     string
	QueueType     QueueType
	TaskID        int64
	WorkflowID    string
	RunID         string
	ScheduledAt   time.Time
	ExpiryAt      *time.Time
	Payload       []byte
	PartitionHash uint64

	State   TaskState
	Attempt int

	Lease *TaskLease
}

// TaskLease is a currently-held delivery of a TaskQueueItem.
type TaskLease struct {
	LeaseID         string
	InstanceID      int64
	WorkerIdentity  string
	LeasedAt        time.Time
	LeaseExpiresAt  time.Time
	LastHeartbeatAt time.Time
	Attempt         int
}
