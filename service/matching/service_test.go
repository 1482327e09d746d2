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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/persistence"
)

func newTestService(opts QueueOptions) (Service, *TaskQueues) {
	queues, _ := newTestQueues(opts)
	svc := NewService(queues, persistence.NewMemoryQueueStore(), log.NewNoop(), metrics.NoopScope())
	return svc, queues
}

func receiveTask(t *testing.T, stream <-chan *MatchingTask) *MatchingTask {
	t.Helper()
	select {
	case task := <-stream:
		require.NotNil(t, task)
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for matching task")
		return nil
	}
}

func TestSubscribeDeliversEnqueuedTasks(t *testing.T) {
	svc, _ := newTestService(testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := svc.Subscribe(ctx, "orders", "worker-1")
	require.NoError(t, err)

	require.NoError(t, svc.EnqueueTask(ctx, item("orders", 1)))
	task := receiveTask(t, stream)
	assert.Equal(t, int64(1), task.Item.TaskID)
	assert.Equal(t, "payload", string(task.Item.Payload))

	require.NoError(t, task.Complete(ctx))
	assert.Equal(t, 0, svc.GetQueueDepth("orders"))
}

func TestSubscribeClosuresDriveLease(t *testing.T) {
	svc, queues := newTestService(testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := svc.Subscribe(ctx, "orders", "worker-1")
	require.NoError(t, err)

	require.NoError(t, svc.EnqueueTask(ctx, item("orders", 1)))
	task := receiveTask(t, stream)

	require.NoError(t, task.Heartbeat(ctx))
	require.NoError(t, task.Fail(ctx, "retryable", true))

	// The requeued task comes back around on the same stream.
	task = receiveTask(t, stream)
	assert.Equal(t, 2, task.Item.Attempt)
	require.NoError(t, task.Complete(ctx))

	// After completion the lease is gone for good.
	assert.Equal(t, 0, queues.GetQueueDepth("orders"))
}

func TestSubscriptionCancelRequeuesInFlight(t *testing.T) {
	svc, queues := newTestService(testOptions())
	rootCtx := context.Background()
	subCtx, cancel := context.WithCancel(rootCtx)

	stream, err := svc.Subscribe(subCtx, "orders", "worker-1")
	require.NoError(t, err)

	require.NoError(t, svc.EnqueueTask(rootCtx, item("orders", 1)))
	task := receiveTask(t, stream)
	require.Equal(t, 1, task.Item.Attempt)

	// The worker walks away mid-task.
	cancel()
	for range stream {
	}

	// The in-flight task went back to pending for another worker.
	require.Eventually(t, func() bool {
		return queues.GetQueueDepth("orders") == 1
	}, 5*time.Second, 10*time.Millisecond)

	leased, err := queues.Poll(rootCtx, "orders", "worker-2")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, 2, leased.Attempt)
}

func TestRecoverQueueAfterRestart(t *testing.T) {
	store := persistence.NewMemoryQueueStore()
	queues, _ := newTestQueues(testOptions())
	svc := NewService(queues, store, log.NewNoop(), metrics.NoopScope())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, svc.EnqueueTask(ctx, item("orders", id)))
	}

	// Complete the first task through a subscription so its ack level is
	// recorded durably.
	stream, err := svc.Subscribe(ctx, "orders", "worker-1")
	require.NoError(t, err)
	task := receiveTask(t, stream)
	require.Equal(t, int64(1), task.Item.TaskID)
	require.NoError(t, task.Complete(ctx))
	cancel()
	for range stream {
	}

	// A fresh process: empty in-memory queues over the same durable store.
	freshQueues, _ := newTestQueues(testOptions())
	fresh := NewService(freshQueues, store, log.NewNoop(), metrics.NoopScope())

	recovered, err := fresh.RecoverQueue(context.Background(), "ns-default", "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)
	assert.Equal(t, 2, fresh.GetQueueDepth("orders"))
}

func TestReclaimExpiredLeases(t *testing.T) {
	opts := testOptions()
	opts.LeaseDuration = 100 * time.Millisecond
	queues, clk := newTestQueues(opts)
	svc := NewService(queues, persistence.NewMemoryQueueStore(), log.NewNoop(), metrics.NoopScope())
	ctx := context.Background()

	require.NoError(t, svc.EnqueueTask(ctx, item("orders", 1)))
	leased, err := queues.Poll(ctx, "orders", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)

	clk.Advance(time.Second)
	assert.Equal(t, 1, svc.ReclaimExpiredLeases(ctx))
	assert.Equal(t, 1, svc.GetQueueDepth("orders"))
}
