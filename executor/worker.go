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

package executor

import (
	"context"
	"time"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/types"
	"github.com/durableflow/durableflow/service/history"
	"github.com/durableflow/durableflow/service/matching"
)

// WorkerOptions configures one workflow worker.
type WorkerOptions struct {
	Identity          string
	TaskQueue         string
	HeartbeatInterval time.Duration
}

// Worker subscribes to a workflow task queue, executes each delivered task,
// and resolves the lease and the execution's history from the executor's
// decision.
type Worker struct {
	opts     WorkerOptions
	matching matching.Service
	history  history.Service
	exec     *Executor
	clock    clock.Clock
	logger   log.Logger
}

// NewWorker wires a worker over the matching and history services.
func NewWorker(
	opts WorkerOptions,
	matchingSvc matching.Service,
	historySvc history.Service,
	exec *Executor,
	clk clock.Clock,
	logger log.Logger,
) *Worker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Worker{
		opts:     opts,
		matching: matchingSvc,
		history:  historySvc,
		exec:     exec,
		clock:    clk,
		logger:   logger.WithTags(tag.WorkerIdentity(opts.Identity)),
	}
}

// Run processes tasks until ctx is canceled. Canceling ctx cancels the
// subscription, which fails any in-flight task back onto the queue.
func (w *Worker) Run(ctx context.Context) error {
	stream, err := w.matching.Subscribe(ctx, w.opts.TaskQueue, w.opts.Identity)
	if err != nil {
		return err
	}
	for task := range stream {
		w.process(ctx, task)
	}
	return ctx.Err()
}

func (w *Worker) process(ctx context.Context, mt *matching.MatchingTask) {
	task, err := DecodeTask(mt.Item)
	if err != nil {
		// Malformed payload is a schema bug; redelivery cannot fix it.
		_ = mt.Fail(ctx, err.Error(), false)
		return
	}

	exec, err := w.history.GetExecution(ctx, task.Namespace, task.WorkflowID, task.RunID)
	if err != nil {
		if types.IsCode(err, types.CodeNotFound) {
			_ = mt.Fail(ctx, "execution not found", false)
		} else {
			_ = mt.Fail(ctx, err.Error(), true)
		}
		return
	}
	if exec.State.IsTerminal() {
		// A stale task for a closed run; nothing to do.
		_ = mt.Complete(ctx)
		return
	}
	task.StartedAt = exec.StartedAt

	// Heartbeat in the background while the workflow runs.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeatLoop(hbCtx, mt)

	result := w.exec.Execute(ctx, task)
	stopHeartbeat()

	switch {
	case result.Failure == nil:
		w.finishCompleted(ctx, mt, task, result.Output)
	case result.Failure.Retryable():
		w.logger.Info("workflow task failed, requeueing",
			tag.WorkflowID(task.WorkflowID), tag.RunID(task.RunID), tag.Error(result.Failure))
		_ = mt.Fail(ctx, result.Failure.Error(), true)
	default:
		w.finishFailed(ctx, mt, task, result.Failure)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, mt *matching.MatchingTask) {
	ticker := w.clock.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := mt.Heartbeat(ctx); err != nil {
				// The lease is gone; the sweep already requeued the task.
				w.logger.Warn("heartbeat lost lease", tag.Error(err))
				return
			}
		}
	}
}

func (w *Worker) finishCompleted(ctx context.Context, mt *matching.MatchingTask, task *Task, output []byte) {
	closeEvent := &types.HistoryEvent{
		NamespaceID: task.Namespace,
		WorkflowID:  task.WorkflowID,
		RunID:       task.RunID,
		EventType:   "WorkflowExecutionCompleted",
		EventTime:   w.clock.Now(),
		TaskID:      mt.Item.TaskID,
		Payload:     output,
	}
	if err := w.history.Close(ctx, task.Namespace, task.WorkflowID, task.RunID, types.ExecutionCompleted, closeEvent); err != nil {
		// History didn't record the completion; give the task back so a
		// worker on a healthy host can finish it.
		w.logger.Error("close completed execution", tag.WorkflowID(task.WorkflowID), tag.Error(err))
		_ = mt.Fail(ctx, err.Error(), true)
		return
	}
	w.exec.ForgetRun(task.WorkflowID, task.RunID)
	_ = mt.Complete(ctx)
	w.logger.Info("workflow completed",
		tag.WorkflowID(task.WorkflowID), tag.RunID(task.RunID), tag.WorkflowType(task.WorkflowType))
}

func (w *Worker) finishFailed(ctx context.Context, mt *matching.MatchingTask, task *Task, failure *Failure) {
	closeEvent := &types.HistoryEvent{
		NamespaceID: task.Namespace,
		WorkflowID:  task.WorkflowID,
		RunID:       task.RunID,
		EventType:   "WorkflowExecutionFailed",
		EventTime:   w.clock.Now(),
		TaskID:      mt.Item.TaskID,
		Payload:     []byte(failure.Error()),
	}
	if err := w.history.Close(ctx, task.Namespace, task.WorkflowID, task.RunID, types.ExecutionFailed, closeEvent); err != nil {
		w.logger.Error("close failed execution", tag.WorkflowID(task.WorkflowID), tag.Error(err))
		_ = mt.Fail(ctx, err.Error(), true)
		return
	}
	w.exec.ForgetRun(task.WorkflowID, task.RunID)
	_ = mt.Fail(ctx, failure.Error(), false)
}
