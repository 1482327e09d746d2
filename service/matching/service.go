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

package matching

import (
	"context"
	"sync"

	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
)

// MatchingTask is one leased task delivered on a subscription stream. The
// three closures bridge worker-side completion back to the lease without
// the worker knowing lease IDs or queue internals.
type MatchingTask struct {
	Item *types.TaskQueueItem

	Complete  func(ctx context.Context) error
	Fail      func(ctx context.Context, reason string, requeue bool) error
	Heartbeat func(ctx context.Context) error
}

// Service is the thin orchestration layer over TaskQueues that the workers
// and the frontend talk to.
type Service interface {
	// EnqueueTask admits a task, write-ahead logging it to the durable
	// queue store before it becomes dispatchable.
	EnqueueTask(ctx context.Context, item *types.TaskQueueItem) error
	// Subscribe returns a stream of leased tasks from queueName. Canceling
	// ctx closes the stream and fails every in-flight task with requeue.
	Subscribe(ctx context.Context, queueName, workerID string) (<-chan *MatchingTask, error)
	// ReclaimExpiredLeases runs one expired-lease sweep.
	ReclaimExpiredLeases(ctx context.Context) int
	// RecoverQueue reloads a queue's un-acked items from the durable store
	// into the dispatchable set after a process restart. Returns how many
	// items were recovered.
	RecoverQueue(ctx context.Context, namespaceID, queueName string) (int, error)
	// GetQueueDepth reports currently-dispatchable entries for one queue.
	GetQueueDepth(queueName string) int
	// ListQueues reports dispatchable depth per known queue.
	ListQueues() map[string]int
	// ListDeadLettered lists what a queue has dropped to its dead-letter
	// sink.
	ListDeadLettered(queueName string) []*types.TaskQueueItem
}

type service struct {
	queues *TaskQueues
	store  persistence.QueueStore
	logger log.Logger
	scope  metrics.Scope
}

// NewService builds the matching service over one queue family and its
// durable write-ahead store.
func NewService(queues *TaskQueues, store persistence.QueueStore, logger log.Logger, scope metrics.Scope) Service {
	return &service{
		queues: queues,
		store:  store,
		logger: logger,
		scope:  scope.Tagged(map[string]string{"component": metrics.ScopeMatching}),
	}
}

func (s *service) EnqueueTask(ctx context.Context, item *types.TaskQueueItem) error {
	if err := s.store.Enqueue(ctx, item); err != nil {
		return types.NewPersistenceError(err, "write-ahead enqueue %s", item.QueueName)
	}
	return s.queues.Enqueue(ctx, item)
}

func (s *service) Subscribe(ctx context.Context, queueName, workerID string) (<-chan *MatchingTask, error) {
	if queueName == "" {
		return nil, types.NewInvalidArgument("queue name is required")
	}

	out := make(chan *MatchingTask)
	sub := &subscription{
		svc:       s,
		queueName: queueName,
		workerID:  workerID,
		inFlight:  make(map[string]struct{}),
	}
	go sub.dispatchLoop(ctx, out)
	return out, nil
}

func (s *service) ReclaimExpiredLeases(ctx context.Context) int {
	return s.queues.SweepExpiredLeases()
}

func (s *service) RecoverQueue(ctx context.Context, namespaceID, queueName string) (int, error) {
	ackLevel, err := s.store.GetAckLevel(ctx, namespaceID, queueName)
	if err != nil {
		return 0, err
	}
	items, err := s.store.ReadPending(ctx, namespaceID, queueName, 0)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, item := range items {
		if item.TaskID <= ackLevel {
			continue
		}
		if err := s.queues.Enqueue(ctx, item); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered queue from durable store",
			tag.QueueName(queueName), tag.Counter(recovered))
	}
	return recovered, nil
}

// ackTask advances the durable store's ack level past a completed task and
// trims everything below it. Best-effort: the write-ahead log is for crash
// recovery, and a failed trim only means re-reading already-finished items
// on the next restart.
func (s *service) ackTask(ctx context.Context, item *types.TaskQueueItem) {
	if err := s.store.UpdateAckLevel(ctx, item.NamespaceID, item.QueueName, item.TaskID); err != nil {
		s.logger.Warn("ack level update failed",
			tag.QueueName(item.QueueName), tag.TaskID(item.TaskID), tag.Error(err))
		return
	}
	if err := s.store.DeleteBefore(ctx, item.NamespaceID, item.QueueName, item.TaskID); err != nil {
		s.logger.Warn("queue store trim failed",
			tag.QueueName(item.QueueName), tag.TaskID(item.TaskID), tag.Error(err))
	}
}

func (s *service) GetQueueDepth(queueName string) int { return s.queues.GetQueueDepth(queueName) }
func (s *service) ListQueues() map[string]int         { return s.queues.ListQueues() }
func (s *service) ListDeadLettered(queueName string) []*types.TaskQueueItem {
	return s.queues.ListDeadLettered(queueName)
}

// subscription is one worker's stream over one queue. It tracks the leases
// it has handed out but not yet seen resolved, so stream cancellation can
// fail them back onto the queue for another worker.
type subscription struct {
	svc       *service
	queueName string
	workerID  string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func (sub *subscription) dispatchLoop(ctx context.Context, out chan<- *MatchingTask) {
	defer close(out)
	defer sub.abandonInFlight()

	ready := sub.svc.queues.Ready(sub.queueName)
	poller := sub.svc.queues.clock.NewTicker(sub.svc.queues.opts.SweepInterval)
	defer poller.Stop()

	for {
		item, err := sub.svc.queues.Poll(ctx, sub.queueName, sub.workerID)
		if err != nil {
			return
		}
		if item == nil {
			// Wait for an enqueue/requeue signal; the ticker covers
			// delay-scheduled entries becoming dispatchable with no new
			// enqueue to signal it.
			select {
			case <-ctx.Done():
				return
			case <-ready:
			case <-poller.Chan():
			}
			continue
		}

		task := sub.wrap(item)
		select {
		case <-ctx.Done():
			// The stream died with a granted lease in hand; put the task
			// back for another worker.
			_ = sub.svc.queues.Fail(context.Background(), item.Lease.LeaseID, "subscription canceled", true)
			sub.forget(item.Lease.LeaseID)
			return
		case out <- task:
		}
	}
}

func (sub *subscription) wrap(item *types.TaskQueueItem) *MatchingTask {
	leaseID := item.Lease.LeaseID
	sub.mu.Lock()
	sub.inFlight[leaseID] = struct{}{}
	sub.mu.Unlock()

	return &MatchingTask{
		Item: item,
		Complete: func(ctx context.Context) error {
			sub.forget(leaseID)
			if err := sub.svc.queues.Complete(ctx, leaseID); err != nil {
				return err
			}
			sub.svc.ackTask(ctx, item)
			return nil
		},
		Fail: func(ctx context.Context, reason string, requeue bool) error {
			sub.forget(leaseID)
			return sub.svc.queues.Fail(ctx, leaseID, reason, requeue)
		},
		Heartbeat: func(ctx context.Context) error {
			return sub.svc.queues.Heartbeat(ctx, leaseID)
		},
	}
}

func (sub *subscription) forget(leaseID string) {
	sub.mu.Lock()
	delete(sub.inFlight, leaseID)
	sub.mu.Unlock()
}

// abandonInFlight fails every unresolved lease with requeue; the worker that
// held them no longer intends to process them.
func (sub *subscription) abandonInFlight() {
	sub.mu.Lock()
	leases := make([]string, 0, len(sub.inFlight))
	for id := range sub.inFlight {
		leases = append(leases, id)
	}
	sub.inFlight = make(map[string]struct{})
	sub.mu.Unlock()

	for _, id := range leases {
		if err := sub.svc.queues.Fail(context.Background(), id, "subscription canceled", true); err == nil {
			sub.svc.logger.Info("requeued abandoned task",
				tag.QueueName(sub.queueName), tag.LeaseID(id), tag.WorkerIdentity(sub.workerID))
		}
	}
}
