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

// Package matching delivers task queue items to workers under time-bounded
// leases. The queue is the concurrency-dense heart of the system: bounded
// per-name FIFOs, lease grant/heartbeat/complete/fail, a background sweep
// that reclaims expired leases, and dead-lettering for tasks that exhaust
// their delivery attempts.
package matching

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"go.uber.org/atomic"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/types"
)

// QueueOptions carries the configured lease and capacity policy shared by
// every queue managed by one TaskQueues instance. LeaseDuration is fixed at
// configuration time; Poll has no per-call override.
type QueueOptions struct {
	LeaseDuration       time.Duration
	RequeueDelay        time.Duration
	SweepInterval       time.Duration
	MaxDeliveryAttempts int
	Capacity            int
}

// TaskQueues owns every named queue in the process.
type TaskQueues struct {
	opts   QueueOptions
	clock  clock.Clock
	logger log.Logger
	scope  metrics.Scope

	instanceSeq atomic.Int64

	mu     sync.Mutex
	queues map[string]*queueState
	// leases indexes every active lease across all queues so Heartbeat,
	// Complete and Fail resolve a lease ID without knowing its queue.
	leases map[string]*leasedTask
}

type queueState struct {
	name string
	// slots bounds pending + leased occupancy; a slot is released only when
	// the task leaves the queue permanently.
	slots chan struct{}
	// ready wakes blocked subscribers when an item becomes dispatchable.
	ready chan struct{}

	pending []*types.TaskQueueItem // sorted by (ScheduledAt, TaskID)
	dead    []*types.TaskQueueItem
}

type leasedTask struct {
	queue *queueState
	item  *types.TaskQueueItem
}

// NewTaskQueues builds the queue family with one shared policy. Zero-value
// options fall back to the standard defaults; RequeueDelay zero is a valid
// immediate requeue.
func NewTaskQueues(opts QueueOptions, clk clock.Clock, logger log.Logger, scope metrics.Scope) *TaskQueues {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = 5
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	return &TaskQueues{
		opts:   opts,
		clock:  clk,
		logger: logger,
		scope:  scope.Tagged(map[string]string{"component": metrics.ScopeTaskQueue}),
		queues: make(map[string]*queueState),
		leases: make(map[string]*leasedTask),
	}
}

func (t *TaskQueues) getQueue(name string) *queueState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getQueueLocked(name)
}

func (t *TaskQueues) getQueueLocked(name string) *queueState {
	q, ok := t.queues[name]
	if !ok {
		q = &queueState{
			name:  name,
			slots: make(chan struct{}, t.opts.Capacity),
			ready: make(chan struct{}, 1),
		}
		t.queues[name] = q
	}
	return q
}

func (q *queueState) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready exposes the queue's wake channel to subscription dispatch loops.
func (t *TaskQueues) Ready(queueName string) <-chan struct{} {
	return t.getQueue(queueName).ready
}

// Enqueue admits item to the tail of its queue, blocking while the queue is
// at capacity until a slot frees or ctx is canceled.
func (t *TaskQueues) Enqueue(ctx context.Context, item *types.TaskQueueItem) error {
	if item.QueueName == "" {
		return types.NewInvalidArgument("task queue name is required")
	}
	q := t.getQueue(item.QueueName)

	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return types.NewCanceled("enqueue to %s: %v", item.QueueName, ctx.Err())
	}

	admitted := *item
	admitted.InstanceID = t.instanceSeq.Inc()
	admitted.State = types.TaskPending
	admitted.Lease = nil
	if admitted.ScheduledAt.IsZero() {
		admitted.ScheduledAt = t.clock.Now()
	}

	t.mu.Lock()
	insertSorted(q, &admitted)
	t.mu.Unlock()

	q.notify()
	t.scope.Counter(metrics.MetricTaskEnqueued).Inc(1)
	return nil
}

func insertSorted(q *queueState, item *types.TaskQueueItem) {
	idx := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if !p.ScheduledAt.Equal(item.ScheduledAt) {
			return p.ScheduledAt.After(item.ScheduledAt)
		}
		return p.TaskID > item.TaskID
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = item
}

// Poll returns at most one leased task in FIFO order, or nil when nothing is
// dispatchable right now. Expired entries are dropped; entries over the
// delivery-attempt cap are dead-lettered in place of delivery.
func (t *TaskQueues) Poll(ctx context.Context, queueName, workerID string) (*types.TaskQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewCanceled("poll %s: %v", queueName, err)
	}

	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.getQueueLocked(queueName)

	for len(q.pending) > 0 {
		head := q.pending[0]
		if head.ScheduledAt.After(now) {
			// Head is delay-scheduled; nothing older can be dispatchable.
			return nil, nil
		}
		q.pending = q.pending[1:]

		if head.ExpiryAt != nil && !head.ExpiryAt.After(now) {
			t.releaseSlot(q)
			continue
		}
		if head.Attempt >= t.opts.MaxDeliveryAttempts {
			t.deadLetterLocked(q, head, "delivery attempts exhausted before lease")
			continue
		}

		head.State = types.TaskLeased
		head.Attempt++
		head.Lease = &types.TaskLease{
			LeaseID:         uuid.New(),
			InstanceID:      head.InstanceID,
			WorkerIdentity:  workerID,
			LeasedAt:        now,
			LeaseExpiresAt:  now.Add(t.opts.LeaseDuration),
			LastHeartbeatAt: now,
			Attempt:         head.Attempt,
		}
		t.leases[head.Lease.LeaseID] = &leasedTask{queue: q, item: head}
		t.scope.Counter(metrics.MetricTaskPolled).Inc(1)

		clone := *head
		leaseCopy := *head.Lease
		clone.Lease = &leaseCopy
		return &clone, nil
	}
	return nil, nil
}

// Heartbeat slides the lease expiry forward by the configured LeaseDuration.
// Heartbeats never change the attempt counter.
func (t *TaskQueues) Heartbeat(ctx context.Context, leaseID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	lt, ok := t.leases[leaseID]
	if !ok {
		return types.NewTaskLeaseExpired("lease %s is gone", leaseID)
	}
	now := t.clock.Now()
	lt.item.Lease.LastHeartbeatAt = now
	lt.item.Lease.LeaseExpiresAt = now.Add(t.opts.LeaseDuration)
	return nil
}

// Complete permanently removes the leased task from the queue.
func (t *TaskQueues) Complete(ctx context.Context, leaseID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	lt, ok := t.leases[leaseID]
	if !ok {
		return types.NewTaskLeaseExpired("lease %s is gone", leaseID)
	}
	delete(t.leases, leaseID)
	lt.item.State = types.TaskCompleted
	lt.item.Lease = nil
	t.releaseSlot(lt.queue)
	t.scope.Counter(metrics.MetricTaskCompleted).Inc(1)
	return nil
}

// Fail resolves a lease as failed. With requeue the task re-enters the
// pending set after RequeueDelay, keeping the attempt count it accrued at
// lease time; at the delivery-attempt cap it is dead-lettered instead.
func (t *TaskQueues) Fail(ctx context.Context, leaseID, reason string, requeue bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	lt, ok := t.leases[leaseID]
	if !ok {
		return types.NewTaskLeaseExpired("lease %s is gone", leaseID)
	}
	delete(t.leases, leaseID)
	t.failLocked(lt, reason, requeue)
	return nil
}

// failLocked finishes a lease teardown; caller has removed it from t.leases.
func (t *TaskQueues) failLocked(lt *leasedTask, reason string, requeue bool) {
	item, q := lt.item, lt.queue
	item.Lease = nil
	t.scope.Counter(metrics.MetricTaskFailed).Inc(1)

	if !requeue {
		item.State = types.TaskFailedPermanent
		t.releaseSlot(q)
		t.logger.Info("task failed permanently",
			tag.QueueName(q.name), tag.TaskID(item.TaskID), tag.Reason(reason))
		return
	}
	if item.Attempt >= t.opts.MaxDeliveryAttempts {
		t.deadLetterLocked(q, item, reason)
		return
	}

	item.State = types.TaskPending
	item.ScheduledAt = t.clock.Now().Add(t.opts.RequeueDelay)
	insertSorted(q, item)
	q.notify()
	t.logger.Debug("task requeued",
		tag.QueueName(q.name), tag.TaskID(item.TaskID), tag.Attempt(item.Attempt), tag.Reason(reason))
}

func (t *TaskQueues) deadLetterLocked(q *queueState, item *types.TaskQueueItem, reason string) {
	item.State = types.TaskDeadLettered
	item.Lease = nil
	q.dead = append(q.dead, item)
	t.releaseSlot(q)
	t.scope.Counter(metrics.MetricTaskDeadLettered).Inc(1)
	t.logger.Warn("task dead-lettered",
		tag.QueueName(q.name), tag.TaskID(item.TaskID), tag.Attempt(item.Attempt), tag.Reason(reason))
}

func (t *TaskQueues) releaseSlot(q *queueState) {
	select {
	case <-q.slots:
	default:
	}
}

// SweepExpiredLeases reclaims every lease whose expiry has passed, applying
// the same requeue-or-dead-letter policy as Fail. Returns how many leases
// were reclaimed.
func (t *TaskQueues) SweepExpiredLeases() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	reclaimed := 0
	for leaseID, lt := range t.leases {
		if lt.item.Lease.LeaseExpiresAt.After(now) {
			continue
		}
		delete(t.leases, leaseID)
		t.failLocked(lt, "lease expired", true)
		reclaimed++
	}
	if reclaimed > 0 {
		t.logger.Info("expired lease sweep", tag.Counter(reclaimed))
	}
	return reclaimed
}

// RunSweeper loops SweepExpiredLeases every SweepInterval until ctx is
// canceled.
func (t *TaskQueues) RunSweeper(ctx context.Context) {
	ticker := t.clock.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.SweepExpiredLeases()
		}
	}
}

// GetQueueDepth counts currently-dispatchable entries; leased tasks are
// excluded.
func (t *TaskQueues) GetQueueDepth(queueName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.pending)
}

// ListQueues returns every known queue with its dispatchable depth.
func (t *TaskQueues) ListQueues() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.queues))
	for name, q := range t.queues {
		out[name] = len(q.pending)
	}
	return out
}

// ListDeadLettered returns the tasks dropped to the queue's dead-letter
// sink, oldest first.
func (t *TaskQueues) ListDeadLettered(queueName string) []*types.TaskQueueItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueName]
	if !ok {
		return nil
	}
	out := make([]*types.TaskQueueItem, len(q.dead))
	for i, item := range q.dead {
		clone := *item
		out[i] = &clone
	}
	return out
}
