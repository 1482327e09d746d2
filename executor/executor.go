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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/types"
	"github.com/durableflow/durableflow/runtime"
)

// FailureKind is the executor's failure taxonomy.
type FailureKind int

const (
	FailureUnregisteredWorkflow FailureKind = iota
	FailureInputDeserialization
	FailureWorkflowReturned
	FailureWorkflowPanicked
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnregisteredWorkflow:
		return "UnregisteredWorkflow"
	case FailureInputDeserialization:
		return "InputDeserializationFailed"
	case FailureWorkflowReturned:
		return "WorkflowReturnedFailure"
	case FailureWorkflowPanicked:
		return "WorkflowPanicked"
	default:
		return "Unknown"
	}
}

// Failure is a classified execution failure.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether this failure should trigger fail-with-requeue.
// Only a workflow-returned failure whose underlying error is classified
// retryable qualifies; everything else is a schema-level or deterministic
// bug that retrying cannot fix.
func (f *Failure) Retryable() bool {
	return f.Kind == FailureWorkflowReturned && IsRetryable(f.Err)
}

// retryable wraps an error a workflow wants re-attempted on a fresh task.
type retryable struct {
	err error
}

func (r *retryable) Error() string { return r.err.Error() }
func (r *retryable) Unwrap() error { return r.err }

// NewRetryable marks err as retryable: the worker loop fails the lease with
// requeue instead of closing the workflow.
func NewRetryable(err error) error {
	return &retryable{err: err}
}

// IsRetryable walks the error chain for a retryable marker or a transient
// typed error (Timeout, PersistenceError).
func IsRetryable(err error) bool {
	var r *retryable
	if errors.As(err, &r) {
		return true
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed.Code == types.CodeTimeout || typed.Code == types.CodePersistenceError
	}
	return false
}

// Result is the executor's terminal decision for one task attempt.
type Result struct {
	Output  []byte
	Failure *Failure
}

// Task is the decoded workflow task bound to an execution.
type Task struct {
	Namespace    string
	WorkflowID   string
	RunID        string
	TaskQueue    string
	WorkflowType string
	Input        []byte
	StartedAt    time.Time
	Attempt      int
}

// TaskPayload is the wire shape of a workflow task queue item's payload.
type TaskPayload struct {
	WorkflowType string          `json:"workflowType"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// DecodeTask binds a polled queue item to an executable Task.
func DecodeTask(item *types.TaskQueueItem) (*Task, error) {
	var payload TaskPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode workflow task payload: %w", err)
	}
	return &Task{
		Namespace:    item.NamespaceID,
		WorkflowID:   item.WorkflowID,
		RunID:        item.RunID,
		TaskQueue:    item.QueueName,
		WorkflowType: payload.WorkflowType,
		Input:        payload.Input,
		Attempt:      item.Attempt,
	}, nil
}

// runState is the per-run replay state that survives task attempts.
type runState struct {
	effects     *runtime.EffectStore
	versions    *runtime.VersionDecisions
	replayCount uint32
}

// Executor turns a delivered workflow task into a terminal decision.
type Executor struct {
	registry *Registry
	logger   log.Logger
	scope    metrics.Scope

	mu   sync.Mutex
	runs map[string]*runState // keyed by workflowID/runID
}

// NewExecutor builds an executor over the given registry.
func NewExecutor(registry *Registry, logger log.Logger, scope metrics.Scope) *Executor {
	return &Executor{
		registry: registry,
		logger:   logger,
		scope:    scope.Tagged(map[string]string{"component": metrics.ScopeExecutor}),
		runs:     make(map[string]*runState),
	}
}

func (e *Executor) stateFor(task *Task) *runState {
	key := task.WorkflowID + "/" + task.RunID
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[key]
	if !ok {
		st = &runState{
			effects:  runtime.NewEffectStore(),
			versions: runtime.NewVersionDecisions(),
		}
		e.runs[key] = st
	}
	return st
}

// ForgetRun drops the cached replay state for a closed run.
func (e *Executor) ForgetRun(workflowID, runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, workflowID+"/"+runID)
}

// Execute runs one task attempt: resolve the workflow type, open a runtime
// scope over the run's persisted replay state, invoke the workflow
// (recovering panics), and close the scope unconditionally.
func (e *Executor) Execute(ctx context.Context, task *Task) *Result {
	handler, ok := e.registry.Get(task.WorkflowType)
	if !ok {
		// Schema-level bug; requeueing can never succeed.
		return &Result{Failure: &Failure{
			Kind: FailureUnregisteredWorkflow,
			Err:  fmt.Errorf("workflow type %q is not registered", task.WorkflowType),
		}}
	}

	st := e.stateFor(task)
	rt, err := runtime.Open(runtime.Options{
		Namespace:   task.Namespace,
		WorkflowID:  task.WorkflowID,
		RunID:       task.RunID,
		TaskQueue:   task.TaskQueue,
		StartedAt:   task.StartedAt,
		ReplayCount: st.replayCount,
		Metadata:    map[string]string{"workflowType": task.WorkflowType},

		EffectStore:      st.effects,
		VersionDecisions: st.versions,
		Logger:           e.logger,
		Scope:            e.scope,
	})
	if err != nil {
		return &Result{Failure: &Failure{Kind: FailureWorkflowReturned, Err: err}}
	}
	defer rt.Close()
	st.replayCount++

	output, err := e.invoke(ctx, handler, rt, task)
	if err != nil {
		var failure *Failure
		if f, ok := err.(*Failure); ok {
			failure = f
		} else {
			failure = &Failure{Kind: FailureWorkflowReturned, Err: err}
		}
		e.scope.Counter(metrics.MetricWorkflowFailed).Inc(1)
		e.logger.Warn("workflow execution failed",
			tag.WorkflowID(task.WorkflowID), tag.RunID(task.RunID),
			tag.WorkflowType(task.WorkflowType), tag.Error(failure))
		return &Result{Failure: failure}
	}

	e.scope.Counter(metrics.MetricWorkflowCompleted).Inc(1)
	return &Result{Output: output}
}

// invoke calls the handler with panic recovery; a panicking workflow is a
// classified failure, not a worker crash.
func (e *Executor) invoke(ctx context.Context, handler Handler, rt *runtime.Runtime, task *Task) (output []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &Failure{
				Kind: FailureWorkflowPanicked,
				Err:  fmt.Errorf("workflow panic: %v", rec),
			}
		}
	}()
	return handler(ctx, rt, task.Input)
}
