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

package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/config"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
	"github.com/durableflow/durableflow/service/matching"
	"github.com/durableflow/durableflow/service/shard"
)

type harness struct {
	clk      clock.FakeClock
	cfg      *config.Config
	shardMgr shard.Manager
	queues   *matching.TaskQueues
	matching matching.Service
	system   *System
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake()
	logger := log.NewNoop()
	scope := metrics.NoopScope()

	cfg := config.Default()
	cfg.ShardCount = 4

	shardMgr := shard.NewManager(persistence.NewMemoryShardStore(), cfg.ShardCount, clk, logger, scope)
	require.NoError(t, shardMgr.InitializeShards(context.Background(), cfg.ShardCount))

	queues := matching.NewTaskQueues(matching.QueueOptions{
		LeaseDuration:       cfg.LeaseDuration,
		RequeueDelay:        cfg.RequeueDelay,
		SweepInterval:       cfg.LeaseSweepInterval,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		Capacity:            cfg.TaskQueueCapacity,
	}, clk, logger, scope)
	matchingSvc := matching.NewService(queues, persistence.NewMemoryQueueStore(), logger, scope)

	return &harness{
		clk:      clk,
		cfg:      cfg,
		shardMgr: shardMgr,
		queues:   queues,
		matching: matchingSvc,
		system:   NewSystem(cfg, "host-1", shardMgr, matchingSvc, clk, logger),
	}
}

func TestShardLeaseLoopAcquiresAllShards(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.system.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		owned, err := h.shardMgr.GetOwnedShards(context.Background(), "host-1")
		return err == nil && len(owned) == h.cfg.ShardCount
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestTimerFiresIntoDestinationQueue(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.system.Run(ctx)
	}()

	fireAt := h.clk.Now().Add(time.Minute)
	task := &types.TaskQueueItem{
		NamespaceID: "ns-default",
		QueueName:   "orders",
		QueueType:   types.QueueWorkflow,
		TaskID:      7,
		WorkflowID:  "wf-1",
		RunID:       "run-1",
		Payload:     []byte(`{"workflowType":"order-processing"}`),
	}
	require.NoError(t, ScheduleTimer(ctx, h.matching, fireAt, task))

	// Not fired before its time.
	assert.Equal(t, 0, h.matching.GetQueueDepth("orders"))

	// Wait for every loop's ticker to register before moving time.
	h.clk.BlockUntil(4)
	h.clk.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		return h.matching.GetQueueDepth("orders") == 1
	}, 5*time.Second, 10*time.Millisecond)

	leased, err := h.queues.Poll(context.Background(), "orders", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "wf-1", leased.WorkflowID)
	assert.Equal(t, types.QueueWorkflow, leased.QueueType)

	cancel()
	<-done
}

func TestQueueSweepLoopReclaims(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.matching.EnqueueTask(ctx, &types.TaskQueueItem{
		NamespaceID: "ns-default", QueueName: "orders", TaskID: 1,
		WorkflowID: "wf-1", RunID: "run-1", Payload: []byte("{}"),
	}))
	leased, err := h.queues.Poll(ctx, "orders", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.system.Run(runCtx)
	}()

	// Let the lease lapse, then drive a sweep tick.
	h.clk.BlockUntil(4)
	h.clk.Advance(h.cfg.LeaseDuration + h.cfg.LeaseSweepInterval + h.cfg.RequeueDelay + time.Second)
	require.Eventually(t, func() bool {
		return h.matching.GetQueueDepth("orders") == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
