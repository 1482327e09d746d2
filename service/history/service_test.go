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

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
	"github.com/durableflow/durableflow/service/shard"
)

const testShards = 8

type fixture struct {
	clk      clock.FakeClock
	store    persistence.HistoryStore
	shardMgr shard.Manager
	svc      Service
}

func newFixture(t *testing.T, owner string) *fixture {
	t.Helper()
	clk := clock.NewFake()
	shardStore := persistence.NewMemoryShardStore()
	mgr := shard.NewManager(shardStore, testShards, clk, log.NewNoop(), metrics.NoopScope())
	require.NoError(t, mgr.InitializeShards(context.Background(), testShards))
	store := persistence.NewMemoryHistoryStore()
	return &fixture{
		clk:      clk,
		store:    store,
		shardMgr: mgr,
		svc:      NewService(owner, mgr, store, clk, log.NewNoop(), metrics.NoopScope()),
	}
}

func (f *fixture) ownShardFor(t *testing.T, owner, workflowID string) {
	t.Helper()
	_, err := f.shardMgr.AcquireLease(context.Background(), f.shardMgr.ShardID(workflowID), owner, time.Hour)
	require.NoError(t, err)
}

func startedExec(workflowID, runID string) (*types.WorkflowExecution, *types.HistoryEvent) {
	exec := &types.WorkflowExecution{
		NamespaceID:  "ns-default",
		WorkflowID:   workflowID,
		RunID:        runID,
		WorkflowType: "order-processing",
		TaskQueue:    "orders",
		State:        types.ExecutionRunning,
	}
	first := &types.HistoryEvent{
		NamespaceID: "ns-default",
		WorkflowID:  workflowID,
		RunID:       runID,
		EventID:     1,
		EventType:   "WorkflowExecutionStarted",
		TaskID:      -1,
	}
	return exec, first
}

func TestStartExecutionRequiresShardOwnership(t *testing.T) {
	f := newFixture(t, "host-a")
	exec, first := startedExec("wf-1", "run-1")

	err := f.svc.StartExecution(context.Background(), exec, first)
	assert.ErrorIs(t, err, &types.Error{Code: types.CodeShardUnavailable})

	f.ownShardFor(t, "host-a", "wf-1")
	require.NoError(t, f.svc.StartExecution(context.Background(), exec, first))
	assert.Equal(t, f.shardMgr.ShardID("wf-1"), exec.ShardID)
}

func TestAppendEventsContiguous(t *testing.T) {
	f := newFixture(t, "host-a")
	f.ownShardFor(t, "host-a", "wf-1")
	ctx := context.Background()

	exec, first := startedExec("wf-1", "run-1")
	require.NoError(t, f.svc.StartExecution(ctx, exec, first))

	loaded, err := f.svc.GetExecution(ctx, "ns-default", "wf-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.NextEventID)
	assert.Equal(t, int64(1), loaded.Version)

	events := []*types.HistoryEvent{
		{NamespaceID: "ns-default", WorkflowID: "wf-1", RunID: "run-1", EventID: 2, EventType: "WorkflowTaskScheduled", TaskID: -1},
		{NamespaceID: "ns-default", WorkflowID: "wf-1", RunID: "run-1", EventID: 3, EventType: "WorkflowTaskStarted", TaskID: 7},
	}
	newVersion, err := f.svc.AppendEvents(ctx, "ns-default", "wf-1", "run-1", events, loaded.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), newVersion)

	ok, err := f.svc.ValidateEventSequence(ctx, "ns-default", "wf-1", "run-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendEventsRejectsGaps(t *testing.T) {
	f := newFixture(t, "host-a")
	f.ownShardFor(t, "host-a", "wf-1")
	ctx := context.Background()

	exec, first := startedExec("wf-1", "run-1")
	require.NoError(t, f.svc.StartExecution(ctx, exec, first))

	gap := []*types.HistoryEvent{
		{NamespaceID: "ns-default", WorkflowID: "wf-1", RunID: "run-1", EventID: 5, EventType: "WorkflowTaskScheduled", TaskID: -1},
	}
	_, err := f.svc.AppendEvents(ctx, "ns-default", "wf-1", "run-1", gap, 1)
	assert.ErrorIs(t, err, &types.HistoryEventError{})

	// The failed batch must not have moved the pointer.
	loaded, err := f.svc.GetExecution(ctx, "ns-default", "wf-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.NextEventID)
	assert.Equal(t, int64(1), loaded.Version)
}

func TestAppendEventsEmptyBatchIsNoop(t *testing.T) {
	f := newFixture(t, "host-a")
	f.ownShardFor(t, "host-a", "wf-1")
	ctx := context.Background()

	exec, first := startedExec("wf-1", "run-1")
	require.NoError(t, f.svc.StartExecution(ctx, exec, first))

	v, err := f.svc.AppendEvents(ctx, "ns-default", "wf-1", "run-1", nil, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestConcurrencyConflict(t *testing.T) {
	f := newFixture(t, "host-a")
	f.ownShardFor(t, "host-a", "wf-1")
	ctx := context.Background()

	exec, first := startedExec("wf-1", "run-1")
	require.NoError(t, f.svc.StartExecution(ctx, exec, first))

	// Two workers race an update from version 1: one wins, one conflicts.
	w1 := exec.Clone()
	w1.LastProcessedEventID = 1
	require.NoError(t, f.svc.UpdateExecution(ctx, w1, 1))

	w2 := exec.Clone()
	w2.LastProcessedEventID = 1
	err := f.svc.UpdateExecution(ctx, w2, 1)
	var conflict *types.ConcurrencyConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)

	// The loser must not have mutated anything.
	loaded, err := f.svc.GetExecution(ctx, "ns-default", "wf-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
}

func TestShardTakeoverRejectsOldOwnerWrites(t *testing.T) {
	f := newFixture(t, "host-a")
	f.ownShardFor(t, "host-a", "wf-42")
	ctx := context.Background()

	exec, first := startedExec("wf-42", "run-1")
	require.NoError(t, f.svc.StartExecution(ctx, exec, first))

	// Host A's lease lapses and host B takes the shard over.
	f.clk.Advance(2 * time.Hour)
	_, err := f.shardMgr.AcquireLease(ctx, f.shardMgr.ShardID("wf-42"), "host-b", time.Hour)
	require.NoError(t, err)

	events := []*types.HistoryEvent{
		{NamespaceID: "ns-default", WorkflowID: "wf-42", RunID: "run-1", EventID: 2, EventType: "WorkflowTaskScheduled", TaskID: -1},
	}
	_, err = f.svc.AppendEvents(ctx, "ns-default", "wf-42", "run-1", events, 1)
	assert.ErrorIs(t, err, &types.Error{Code: types.CodeShardUnavailable})

	// Host B (its own service instance over the same stores) can write.
	svcB := NewService("host-b", f.shardMgr, f.store, f.clk, log.NewNoop(), metrics.NoopScope())
	_, err = svcB.AppendEvents(ctx, "ns-default", "wf-42", "run-1", events, 1)
	require.NoError(t, err)

	// Once host B's lease lapses too, host A re-acquires the shard, but the
	// version moved under it, so a stale append loses at the store level.
	f.clk.Advance(2 * time.Hour)
	f.ownShardFor(t, "host-a", "wf-42")
	_, err = f.svc.AppendEvents(ctx, "ns-default", "wf-42", "run-1", events, 1)
	require.Error(t, err)
}

func TestTerminate(t *testing.T) {
	f := newFixture(t, "host-a")
	f.ownShardFor(t, "host-a", "wf-1")
	ctx := context.Background()

	exec, first := startedExec("wf-1", "run-1")
	require.NoError(t, f.svc.StartExecution(ctx, exec, first))

	require.NoError(t, f.svc.Terminate(ctx, "ns-default", "wf-1", "run-1", "operator request"))

	loaded, err := f.svc.GetExecution(ctx, "ns-default", "wf-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionTerminated, loaded.State)
	assert.Equal(t, int64(2), loaded.CompletionEventID)
	assert.False(t, loaded.CompletedAt.IsZero())

	events, _, _, _, err := f.svc.GetHistory(ctx, "ns-default", "wf-1", "run-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "WorkflowExecutionTerminated", events[1].EventType)
	assert.Equal(t, []byte("operator request"), events[1].Payload)

	// A second terminate is a state-machine violation.
	err = f.svc.Terminate(ctx, "ns-default", "wf-1", "run-1", "again")
	assert.ErrorIs(t, err, &types.Error{Code: types.CodeFailedPrecondition})
}

func TestGetHistoryPagination(t *testing.T) {
	f := newFixture(t, "host-a")
	f.ownShardFor(t, "host-a", "wf-1")
	ctx := context.Background()

	exec, first := startedExec("wf-1", "run-1")
	require.NoError(t, f.svc.StartExecution(ctx, exec, first))

	version := int64(1)
	for id := int64(2); id <= 6; id++ {
		v, err := f.svc.AppendEvents(ctx, "ns-default", "wf-1", "run-1",
			[]*types.HistoryEvent{{NamespaceID: "ns-default", WorkflowID: "wf-1", RunID: "run-1", EventID: id, EventType: "ActivityCompleted", TaskID: -1}},
			version)
		require.NoError(t, err)
		version = v
	}

	var got []int64
	from := int64(1)
	for {
		events, _, lastID, isLast, err := f.svc.GetHistory(ctx, "ns-default", "wf-1", "run-1", from, 2)
		require.NoError(t, err)
		for _, e := range events {
			got = append(got, e.EventID)
		}
		if isLast {
			break
		}
		from = lastID + 1
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, got)
}
