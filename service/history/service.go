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

// Package history is the shard-owning service over the durable execution
// store. Every write path first checks that this host still holds the lease
// on the shard the workflow hashes to; the store's optimistic version guard
// is the backstop that rejects writes from a host that lost its lease
// between the check and the commit.
package history

import (
	"context"
	"errors"
	"sync"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
	"github.com/durableflow/durableflow/service/shard"
)

// maxConflictRetries bounds local retries on ConcurrencyConflict before the
// error escalates to Internal.
const maxConflictRetries = 3

// Service is the history service owned by one host identity.
type Service interface {
	// StartExecution creates the execution row and its first history event
	// atomically.
	StartExecution(ctx context.Context, exec *types.WorkflowExecution, firstEvent *types.HistoryEvent) error
	// GetExecution loads the current execution row.
	GetExecution(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error)
	// GetCurrentExecution loads the workflow's most recently created run.
	GetCurrentExecution(ctx context.Context, namespaceID, workflowID string) (*types.WorkflowExecution, error)
	// ListExecutions returns every execution in the namespace in stable
	// order.
	ListExecutions(ctx context.Context, namespaceID string) ([]*types.WorkflowExecution, error)
	// AppendEvents appends a contiguous batch of events under the run's
	// current version, returning the new version.
	AppendEvents(ctx context.Context, namespaceID, workflowID, runID string, events []*types.HistoryEvent, expectedVersion int64) (int64, error)
	// UpdateExecution applies the optimistic-concurrency update contract.
	UpdateExecution(ctx context.Context, exec *types.WorkflowExecution, expectedVersion int64) error
	// GetHistory pages through a run's events in ID order.
	GetHistory(ctx context.Context, namespaceID, workflowID, runID string, from int64, max int) ([]*types.HistoryEvent, int64, int64, bool, error)
	// ValidateEventSequence reports whether the run's stored IDs are 1..N.
	ValidateEventSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error)
	// Terminate moves a running execution to Terminated, appending the
	// matching terminal event in the same logical unit of work.
	Terminate(ctx context.Context, namespaceID, workflowID, runID, reason string) error
	// Close transitions a running execution to the given terminal state and
	// appends closeEvent, retrying bounded on version conflicts.
	Close(ctx context.Context, namespaceID, workflowID, runID string, state types.ExecutionState, closeEvent *types.HistoryEvent) error
}

type service struct {
	owner    string
	shardMgr shard.Manager
	store    persistence.HistoryStore
	clock    clock.Clock
	logger   log.Logger
	scope    metrics.Scope

	mu       sync.Mutex
	branches map[branchKey]*persistence.VersionHistories
}

type branchKey struct {
	namespaceID string
	workflowID  string
	runID       string
}

// NewService builds the history service for one host identity.
func NewService(
	owner string,
	shardMgr shard.Manager,
	store persistence.HistoryStore,
	clk clock.Clock,
	logger log.Logger,
	scope metrics.Scope,
) Service {
	return &service{
		owner:    owner,
		shardMgr: shardMgr,
		store:    store,
		clock:    clk,
		logger:   logger,
		scope:    scope.Tagged(map[string]string{"component": metrics.ScopeHistoryStore}),
		branches: make(map[branchKey]*persistence.VersionHistories),
	}
}

// checkOwnership verifies this host holds an unexpired lease on the shard
// workflowID hashes to.
func (s *service) checkOwnership(ctx context.Context, workflowID string) error {
	shardID := s.shardMgr.ShardID(workflowID)
	lease, err := s.shardMgr.GetLease(ctx, shardID)
	if err != nil {
		return err
	}
	if lease.OwnerIdentity != s.owner || !lease.Owned(s.clock.Now()) {
		return types.NewShardUnavailable("host %s does not own shard %d for workflow %s", s.owner, shardID, workflowID)
	}
	return nil
}

func (s *service) StartExecution(ctx context.Context, exec *types.WorkflowExecution, firstEvent *types.HistoryEvent) error {
	if err := s.checkOwnership(ctx, exec.WorkflowID); err != nil {
		return err
	}
	exec.ShardID = s.shardMgr.ShardID(exec.WorkflowID)
	if err := s.store.CreateExecution(ctx, exec, firstEvent); err != nil {
		return err
	}

	s.mu.Lock()
	s.branches[branchKey{exec.NamespaceID, exec.WorkflowID, exec.RunID}] = persistence.NewVersionHistories(
		persistence.NewVersionHistory(nil, []*persistence.VersionHistoryItem{
			persistence.NewVersionHistoryItem(firstEvent.EventID, persistence.EmptyVersion),
		}))
	s.mu.Unlock()

	s.logger.Info("execution started",
		tag.NamespaceID(exec.NamespaceID), tag.WorkflowID(exec.WorkflowID), tag.RunID(exec.RunID))
	return nil
}

func (s *service) GetExecution(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error) {
	return s.store.GetExecution(ctx, namespaceID, workflowID, runID)
}

func (s *service) GetCurrentExecution(ctx context.Context, namespaceID, workflowID string) (*types.WorkflowExecution, error) {
	return s.store.GetCurrentExecution(ctx, namespaceID, workflowID)
}

func (s *service) ListExecutions(ctx context.Context, namespaceID string) ([]*types.WorkflowExecution, error) {
	return s.store.ListExecutions(ctx, namespaceID)
}

func (s *service) AppendEvents(ctx context.Context, namespaceID, workflowID, runID string, events []*types.HistoryEvent, expectedVersion int64) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}
	if err := s.checkOwnership(ctx, workflowID); err != nil {
		return 0, err
	}

	// Reconcile against any recorded branches for the run before touching
	// the store: a diverged branch (stale owner raced a decision) fails
	// fast as HistoryEventError instead of silently forking the log.
	k := branchKey{namespaceID, workflowID, runID}
	s.mu.Lock()
	vh, tracked := s.branches[k]
	s.mu.Unlock()
	if tracked {
		if err := persistence.ReconcileAppend(vh, events, expectedVersion); err != nil {
			return 0, &types.HistoryEventError{Expected: events[0].EventID, Got: events[0].EventID}
		}
	}

	newVersion, err := s.store.AppendEvents(ctx, namespaceID, workflowID, runID, events, expectedVersion)
	if err != nil {
		var conflict *types.ConcurrencyConflict
		if errors.As(err, &conflict) {
			s.scope.Counter(metrics.MetricConcurrencyConflict).Inc(1)
		}
		return 0, err
	}

	if tracked {
		s.mu.Lock()
		if cur, curErr := vh.GetCurrentVersionHistory(); curErr == nil {
			_ = cur.AddOrUpdateItem(persistence.NewVersionHistoryItem(
				events[len(events)-1].EventID, persistence.EmptyVersion))
		}
		s.mu.Unlock()
	}

	s.scope.Counter(metrics.MetricHistoryAppend).Inc(int64(len(events)))
	return newVersion, nil
}

func (s *service) UpdateExecution(ctx context.Context, exec *types.WorkflowExecution, expectedVersion int64) error {
	if err := s.checkOwnership(ctx, exec.WorkflowID); err != nil {
		return err
	}
	err := s.store.UpdateExecution(ctx, exec, expectedVersion)
	if err != nil {
		var conflict *types.ConcurrencyConflict
		if errors.As(err, &conflict) {
			s.scope.Counter(metrics.MetricConcurrencyConflict).Inc(1)
		}
	}
	return err
}

func (s *service) GetHistory(ctx context.Context, namespaceID, workflowID, runID string, from int64, max int) ([]*types.HistoryEvent, int64, int64, bool, error) {
	return s.store.GetHistory(ctx, namespaceID, workflowID, runID, from, max)
}

func (s *service) ValidateEventSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error) {
	return s.store.ValidateEventSequence(ctx, namespaceID, workflowID, runID)
}

func (s *service) Terminate(ctx context.Context, namespaceID, workflowID, runID, reason string) error {
	return s.Close(ctx, namespaceID, workflowID, runID, types.ExecutionTerminated, &types.HistoryEvent{
		NamespaceID: namespaceID,
		WorkflowID:  workflowID,
		RunID:       runID,
		EventType:   "WorkflowExecutionTerminated",
		EventTime:   s.clock.Now(),
		TaskID:      -1,
		Payload:     []byte(reason),
	})
}

func (s *service) Close(ctx context.Context, namespaceID, workflowID, runID string, state types.ExecutionState, closeEvent *types.HistoryEvent) error {
	if !state.IsTerminal() {
		return types.NewInvalidArgument("close state %s is not terminal", state)
	}
	if err := s.checkOwnership(ctx, workflowID); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		exec, err := s.store.GetExecution(ctx, namespaceID, workflowID, runID)
		if err != nil {
			return err
		}
		if exec.State.IsTerminal() {
			return types.NewFailedPrecondition("execution %s/%s already %s", workflowID, runID, exec.State)
		}

		ev := *closeEvent
		ev.EventID = exec.NextEventID
		newVersion, err := s.store.AppendEvents(ctx, namespaceID, workflowID, runID, []*types.HistoryEvent{&ev}, exec.Version)
		if err != nil {
			var conflict *types.ConcurrencyConflict
			if errors.As(err, &conflict) {
				lastErr = err
				continue
			}
			return err
		}

		closed := exec.Clone()
		closed.State = state
		closed.NextEventID = ev.EventID + 1
		closed.CompletionEventID = ev.EventID
		closed.CompletedAt = s.clock.Now()
		closed.UpdatedAt = closed.CompletedAt
		if err := s.store.UpdateExecution(ctx, closed, newVersion); err != nil {
			var conflict *types.ConcurrencyConflict
			if errors.As(err, &conflict) {
				lastErr = err
				continue
			}
			return err
		}

		s.logger.Info("execution closed",
			tag.NamespaceID(namespaceID), tag.WorkflowID(workflowID), tag.RunID(runID),
			tag.EventID(ev.EventID))
		return nil
	}
	return types.NewInternal(lastErr, "close %s/%s: conflict retries exhausted", workflowID, runID)
}
