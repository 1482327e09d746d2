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
	"fmt"

	"github.com/pborman/uuid"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
)

// Resetter rebuilds a run from a point in its history into a brand-new run,
// terminating the base run if it is still running. The rebuild point must
// fall inside the base run's recorded history; the new run starts from a
// reset seed event carrying the state at that point.
type Resetter interface {
	// ResetWorkflowExecution starts a new run whose single seed event
	// carries the payload of the base run's event at rebuildLastEventID,
	// terminating the base run (if still running) under terminateReason.
	// The base run's history is left as it is, and no run other than the
	// base run is terminated. Returns the new run's ID.
	ResetWorkflowExecution(
		ctx context.Context,
		namespaceID string,
		workflowID string,
		baseRunID string,
		rebuildLastEventID int64,
		terminateReason string,
		resetReason string,
	) (resetRunID string, err error)
}

type resetter struct {
	store  persistence.HistoryStore
	clock  clock.Clock
	logger log.Logger
}

// NewResetter builds a Resetter over the history store. The reset run stays
// on the base run's shard; workflow ID determines the shard, and it does
// not change.
func NewResetter(store persistence.HistoryStore, clk clock.Clock, logger log.Logger) Resetter {
	return &resetter{store: store, clock: clk, logger: logger}
}

func (r *resetter) ResetWorkflowExecution(
	ctx context.Context,
	namespaceID string,
	workflowID string,
	baseRunID string,
	rebuildLastEventID int64,
	terminateReason string,
	resetReason string,
) (string, error) {

	base, err := r.store.GetExecution(ctx, namespaceID, workflowID, baseRunID)
	if err != nil {
		return "", fmt.Errorf("reset: load base run: %w", err)
	}
	if rebuildLastEventID < persistence.FirstEventID || rebuildLastEventID >= base.NextEventID {
		return "", types.NewInvalidArgument(
			"rebuild event id %d out of range [%d, %d)", rebuildLastEventID, persistence.FirstEventID, base.NextEventID)
	}

	rebuiltEvents, _, _, _, err := r.store.GetHistory(ctx, namespaceID, workflowID, baseRunID, persistence.FirstEventID, int(rebuildLastEventID))
	if err != nil {
		return "", fmt.Errorf("reset: replay base history: %w", err)
	}
	if int64(len(rebuiltEvents)) != rebuildLastEventID {
		return "", types.NewInternal(nil, "reset: expected %d rebuilt events, got %d", rebuildLastEventID, len(rebuiltEvents))
	}

	if !base.State.IsTerminal() {
		terminated := base.Clone()
		terminated.State = types.ExecutionTerminated
		terminated.CompletedAt = r.clock.Now()
		if err := r.store.UpdateExecution(ctx, terminated, base.Version); err != nil {
			return "", fmt.Errorf("reset: terminate current run (%s): %w", terminateReason, err)
		}
		r.logger.Info("terminated run for reset",
			tag.WorkflowID(workflowID), tag.RunID(baseRunID))
	}

	resetRunID := uuid.New()
	newExec := &types.WorkflowExecution{
		NamespaceID:  namespaceID,
		WorkflowID:   workflowID,
		RunID:        resetRunID,
		WorkflowType: base.WorkflowType,
		TaskQueue:    base.TaskQueue,
		State:        types.ExecutionRunning,
		ShardID:      base.ShardID,
		StartedAt:    r.clock.Now(),
	}
	seedEvent := rebuiltEvents[len(rebuiltEvents)-1]
	seed := &types.HistoryEvent{
		NamespaceID: namespaceID,
		WorkflowID:  workflowID,
		RunID:       resetRunID,
		EventID:     persistence.FirstEventID,
		EventType:   "WorkflowExecutionReset",
		EventTime:   r.clock.Now(),
		TaskID:      -1,
		Payload:     seedEvent.Payload,
	}
	if err := r.store.CreateExecution(ctx, newExec, seed); err != nil {
		return "", fmt.Errorf("reset: create new run: %w", err)
	}

	r.logger.Info("workflow reset",
		tag.WorkflowID(workflowID), tag.RunID(resetRunID), tag.Version(rebuildLastEventID),
		tag.Reason(resetReason))
	return resetRunID, nil
}
