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

// Package frontend exposes the workflow lifecycle operations as plain Go
// methods. A transport façade (REST/gRPC) would call straight through; this
// package owns validation, namespace resolution, and the error-code
// contract, not wire formats.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/pborman/uuid"
	"go.uber.org/atomic"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
	"github.com/durableflow/durableflow/executor"
	"github.com/durableflow/durableflow/service/history"
	"github.com/durableflow/durableflow/service/matching"
)

// maxConflictRetries bounds signal/cancel retries racing concurrent updates.
const maxConflictRetries = 3

// StartWorkflowRequest carries the StartWorkflow inputs.
type StartWorkflowRequest struct {
	NamespaceID  string
	WorkflowType string
	TaskQueue    string
	WorkflowID   string // optional; generated when empty
	Input        json.RawMessage
}

// StartWorkflowResponse identifies the started run.
type StartWorkflowResponse struct {
	WorkflowID string
	RunID      string
}

// ListWorkflowsRequest filters and pages executions in a namespace.
type ListWorkflowsRequest struct {
	NamespaceID string
	State       *types.ExecutionState // optional filter
	PageSize    int
	PageToken   string
}

// ListWorkflowsResponse is one page of execution infos.
type ListWorkflowsResponse struct {
	Executions    []*types.WorkflowExecution
	NextPageToken string
}

// HistoryPage is one page of a run's events.
type HistoryPage struct {
	Events        []*types.HistoryEvent
	NextPageToken string
}

// Service is the workflow lifecycle surface.
type Service struct {
	namespaces persistence.NamespaceStore
	history    history.Service
	resetter   history.Resetter
	matching   matching.Service
	clock      clock.Clock
	logger     log.Logger

	taskSeq atomic.Int64
}

// NewService wires the frontend over the history and matching services.
func NewService(
	namespaces persistence.NamespaceStore,
	historySvc history.Service,
	resetter history.Resetter,
	matchingSvc matching.Service,
	clk clock.Clock,
	logger log.Logger,
) *Service {
	return &Service{
		namespaces: namespaces,
		history:    historySvc,
		resetter:   resetter,
		matching:   matchingSvc,
		clock:      clk,
		logger:     logger,
	}
}

// RegisterNamespace creates a tenant namespace.
func (s *Service) RegisterNamespace(ctx context.Context, name string, retentionDays int32) (*types.Namespace, error) {
	if name == "" {
		return nil, types.NewInvalidArgument("namespace name is required")
	}
	ns := &types.Namespace{
		ID:            uuid.New(),
		Name:          name,
		RetentionDays: retentionDays,
		Status:        types.NamespaceActive,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.namespaces.Create(ctx, ns); err != nil {
		return nil, err
	}
	return ns, nil
}

// DeprecateNamespace soft-deletes a namespace; running executions finish,
// new starts are rejected.
func (s *Service) DeprecateNamespace(ctx context.Context, id string) error {
	ns, err := s.namespaces.Get(ctx, id)
	if err != nil {
		return err
	}
	ns.Status = types.NamespaceDeprecated
	return s.namespaces.Update(ctx, ns)
}

func (s *Service) activeNamespace(ctx context.Context, id string) (*types.Namespace, error) {
	ns, err := s.namespaces.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ns.Status != types.NamespaceActive {
		return nil, types.NewFailedPrecondition("namespace %q is %d", ns.Name, ns.Status)
	}
	return ns, nil
}

// StartWorkflow creates a new execution and schedules its first workflow
// task.
func (s *Service) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (*StartWorkflowResponse, error) {
	if req.NamespaceID == "" || req.WorkflowType == "" || req.TaskQueue == "" {
		return nil, types.NewInvalidArgument("namespace, workflow type and task queue are required")
	}
	if _, err := s.activeNamespace(ctx, req.NamespaceID); err != nil {
		return nil, err
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = uuid.New()
	}
	runID := uuid.New()
	now := s.clock.Now()

	exec := &types.WorkflowExecution{
		NamespaceID:  req.NamespaceID,
		WorkflowID:   workflowID,
		RunID:        runID,
		WorkflowType: req.WorkflowType,
		TaskQueue:    req.TaskQueue,
		State:        types.ExecutionRunning,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	firstEvent := &types.HistoryEvent{
		NamespaceID: req.NamespaceID,
		WorkflowID:  workflowID,
		RunID:       runID,
		EventID:     persistence.FirstEventID,
		EventType:   "WorkflowExecutionStarted",
		EventTime:   now,
		TaskID:      -1,
		Payload:     req.Input,
	}
	if err := s.history.StartExecution(ctx, exec, firstEvent); err != nil {
		if types.IsCode(err, types.CodeAlreadyExists) {
			return nil, types.NewAlreadyExists("workflow %q already running", workflowID)
		}
		return nil, err
	}

	payload, err := json.Marshal(executor.TaskPayload{
		WorkflowType: req.WorkflowType,
		Input:        req.Input,
	})
	if err != nil {
		return nil, types.NewInternal(err, "encode workflow task")
	}
	task := &types.TaskQueueItem{
		NamespaceID: req.NamespaceID,
		QueueName:   req.TaskQueue,
		QueueType:   types.QueueWorkflow,
		TaskID:      s.taskSeq.Inc(),
		WorkflowID:  workflowID,
		RunID:       runID,
		ScheduledAt: now,
		Payload:     payload,
	}
	if err := s.matching.EnqueueTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("workflow started",
		tag.NamespaceID(req.NamespaceID), tag.WorkflowID(workflowID), tag.RunID(runID),
		tag.WorkflowType(req.WorkflowType))
	return &StartWorkflowResponse{WorkflowID: workflowID, RunID: runID}, nil
}

// resolveRun loads the addressed run, defaulting to the workflow's current
// run when runID is empty.
func (s *Service) resolveRun(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error) {
	if runID != "" {
		return s.history.GetExecution(ctx, namespaceID, workflowID, runID)
	}
	return s.history.GetCurrentExecution(ctx, namespaceID, workflowID)
}

// GetWorkflow returns the execution record for the addressed run.
func (s *Service) GetWorkflow(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error) {
	if namespaceID == "" || workflowID == "" {
		return nil, types.NewInvalidArgument("namespace and workflow id are required")
	}
	return s.resolveRun(ctx, namespaceID, workflowID, runID)
}

// SignalWorkflow appends a signal event to a running execution and
// schedules a workflow task so the workflow observes it.
func (s *Service) SignalWorkflow(ctx context.Context, namespaceID, workflowID, runID, signalName string, input json.RawMessage) error {
	if signalName == "" {
		return types.NewInvalidArgument("signal name is required")
	}
	payload, err := json.Marshal(map[string]json.RawMessage{
		"signalName": json.RawMessage(strconv.Quote(signalName)),
		"input":      input,
	})
	if err != nil {
		return types.NewInternal(err, "encode signal")
	}
	return s.appendToRunning(ctx, namespaceID, workflowID, runID, "WorkflowExecutionSignaled", payload)
}

// CancelWorkflow records a cancel request event; unlike Terminate the
// workflow stays Running and observes the cancel on its next task.
func (s *Service) CancelWorkflow(ctx context.Context, namespaceID, workflowID, runID, reason string) error {
	return s.appendToRunning(ctx, namespaceID, workflowID, runID, "WorkflowExecutionCancelRequested", []byte(reason))
}

func (s *Service) appendToRunning(ctx context.Context, namespaceID, workflowID, runID, eventType string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		exec, err := s.resolveRun(ctx, namespaceID, workflowID, runID)
		if err != nil {
			return err
		}
		if exec.State.IsTerminal() {
			return types.NewFailedPrecondition("workflow %s/%s is %s", workflowID, exec.RunID, exec.State)
		}

		event := &types.HistoryEvent{
			NamespaceID: namespaceID,
			WorkflowID:  workflowID,
			RunID:       exec.RunID,
			EventID:     exec.NextEventID,
			EventType:   eventType,
			EventTime:   s.clock.Now(),
			TaskID:      -1,
			Payload:     payload,
		}
		_, err = s.history.AppendEvents(ctx, namespaceID, workflowID, exec.RunID, []*types.HistoryEvent{event}, exec.Version)
		if err == nil {
			return nil
		}
		var conflict *types.ConcurrencyConflict
		if !errors.As(err, &conflict) {
			return err
		}
		lastErr = err
	}
	return types.NewInternal(lastErr, "append %s: conflict retries exhausted", eventType)
}

// TerminateWorkflow forcibly closes a running execution.
func (s *Service) TerminateWorkflow(ctx context.Context, namespaceID, workflowID, runID, reason string) error {
	exec, err := s.resolveRun(ctx, namespaceID, workflowID, runID)
	if err != nil {
		return err
	}
	return s.history.Terminate(ctx, namespaceID, workflowID, exec.RunID, reason)
}

// QueryWorkflow answers the built-in read-only queries against a run.
// "status" returns the execution state; "history_length" the number of
// persisted events.
func (s *Service) QueryWorkflow(ctx context.Context, namespaceID, workflowID, runID, queryName string) (json.RawMessage, error) {
	exec, err := s.resolveRun(ctx, namespaceID, workflowID, runID)
	if err != nil {
		return nil, err
	}
	switch queryName {
	case "status":
		return json.RawMessage(strconv.Quote(exec.State.String())), nil
	case "history_length":
		return json.RawMessage(strconv.FormatInt(exec.NextEventID-1, 10)), nil
	default:
		return nil, types.NewInvalidArgument("unknown query %q", queryName)
	}
}

// ResetWorkflow rebuilds a new run from a point in an existing run's
// history, terminating the in-flight run, and schedules a workflow task for
// the new run.
func (s *Service) ResetWorkflow(ctx context.Context, namespaceID, workflowID, runID string, rebuildLastEventID int64, reason string) (string, error) {
	exec, err := s.resolveRun(ctx, namespaceID, workflowID, runID)
	if err != nil {
		return "", err
	}
	newRunID, err := s.resetter.ResetWorkflowExecution(
		ctx, namespaceID, workflowID, exec.RunID, rebuildLastEventID, "reset by operator", reason)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(executor.TaskPayload{WorkflowType: exec.WorkflowType})
	if err != nil {
		return "", types.NewInternal(err, "encode reset workflow task")
	}
	task := &types.TaskQueueItem{
		NamespaceID: namespaceID,
		QueueName:   exec.TaskQueue,
		QueueType:   types.QueueWorkflow,
		TaskID:      s.taskSeq.Inc(),
		WorkflowID:  workflowID,
		RunID:       newRunID,
		ScheduledAt: s.clock.Now(),
		Payload:     payload,
	}
	if err := s.matching.EnqueueTask(ctx, task); err != nil {
		return "", err
	}
	return newRunID, nil
}

// ListWorkflowExecutions pages execution infos in a namespace, optionally
// filtered by state. The page token is the offset into the stable listing
// order.
func (s *Service) ListWorkflowExecutions(ctx context.Context, req ListWorkflowsRequest) (*ListWorkflowsResponse, error) {
	if req.NamespaceID == "" {
		return nil, types.NewInvalidArgument("namespace is required")
	}
	all, err := s.history.ListExecutions(ctx, req.NamespaceID)
	if err != nil {
		return nil, err
	}
	if req.State != nil {
		filtered := all[:0]
		for _, e := range all {
			if e.State == *req.State {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}

	offset := 0
	if req.PageToken != "" {
		offset, err = strconv.Atoi(req.PageToken)
		if err != nil || offset < 0 {
			return nil, types.NewInvalidArgument("malformed page token %q", req.PageToken)
		}
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	if offset >= len(all) {
		return &ListWorkflowsResponse{}, nil
	}

	end := offset + pageSize
	next := ""
	if end >= len(all) {
		end = len(all)
	} else {
		next = strconv.Itoa(end)
	}
	return &ListWorkflowsResponse{Executions: all[offset:end], NextPageToken: next}, nil
}

// GetWorkflowHistory pages a run's events in ID order. The page token is
// the next event ID to read from.
func (s *Service) GetWorkflowHistory(ctx context.Context, namespaceID, workflowID, runID string, maxPageSize int, pageToken string) (*HistoryPage, error) {
	exec, err := s.resolveRun(ctx, namespaceID, workflowID, runID)
	if err != nil {
		return nil, err
	}

	from := persistence.FirstEventID
	if pageToken != "" {
		from, err = strconv.ParseInt(pageToken, 10, 64)
		if err != nil || from < persistence.FirstEventID {
			return nil, types.NewInvalidArgument("malformed page token %q", pageToken)
		}
	}
	if maxPageSize <= 0 {
		maxPageSize = 256
	}

	events, _, lastID, isLast, err := s.history.GetHistory(ctx, namespaceID, workflowID, exec.RunID, from, maxPageSize)
	if err != nil {
		return nil, err
	}
	page := &HistoryPage{Events: events}
	if !isLast {
		page.NextPageToken = fmt.Sprintf("%d", lastID+1)
	}
	return page, nil
}
