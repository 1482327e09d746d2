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

package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/durableflow/durableflow/common/types"
)

type runKey struct {
	namespaceID string
	workflowID  string
	runID       string
}

type runRecord struct {
	exec   *types.WorkflowExecution
	events []*types.HistoryEvent // index i holds event ID i+1
}

type currentKey struct {
	namespaceID string
	workflowID  string
}

type memoryHistoryStore struct {
	mu      sync.Mutex
	runs    map[runKey]*runRecord
	current map[currentKey]string // latest run ID per workflow ID
}

// NewMemoryHistoryStore returns an in-process HistoryStore.
func NewMemoryHistoryStore() HistoryStore {
	return &memoryHistoryStore{
		runs:    make(map[runKey]*runRecord),
		current: make(map[currentKey]string),
	}
}

func key(namespaceID, workflowID, runID string) runKey {
	return runKey{namespaceID: namespaceID, workflowID: workflowID, runID: runID}
}

func (m *memoryHistoryStore) GetExecution(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.runs[key(namespaceID, workflowID, runID)]
	if !ok {
		return nil, types.NewNotFound("execution %s/%s/%s not found", namespaceID, workflowID, runID)
	}
	return rec.exec.Clone(), nil
}

func (m *memoryHistoryStore) CreateExecution(ctx context.Context, exec *types.WorkflowExecution, firstEvent *types.HistoryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(exec.NamespaceID, exec.WorkflowID, exec.RunID)
	if existing, ok := m.runs[k]; ok && !existing.exec.State.IsTerminal() {
		return types.NewAlreadyExists("workflow %s already running", exec.WorkflowID)
	}
	if curRunID, ok := m.current[currentKey{namespaceID: exec.NamespaceID, workflowID: exec.WorkflowID}]; ok {
		if cur, ok := m.runs[key(exec.NamespaceID, exec.WorkflowID, curRunID)]; ok && !cur.exec.State.IsTerminal() {
			return types.NewAlreadyExists("workflow %s already running", exec.WorkflowID)
		}
	}

	if firstEvent.EventID != 1 {
		return &types.HistoryEventError{Expected: 1, Got: firstEvent.EventID}
	}

	cloned := exec.Clone()
	cloned.Version = 1
	cloned.NextEventID = 2
	m.runs[k] = &runRecord{
		exec:   cloned,
		events: []*types.HistoryEvent{firstEvent},
	}
	m.current[currentKey{namespaceID: exec.NamespaceID, workflowID: exec.WorkflowID}] = exec.RunID
	return nil
}

func (m *memoryHistoryStore) GetCurrentExecution(ctx context.Context, namespaceID, workflowID string) (*types.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runID, ok := m.current[currentKey{namespaceID: namespaceID, workflowID: workflowID}]
	if !ok {
		return nil, types.NewNotFound("workflow %s/%s not found", namespaceID, workflowID)
	}
	rec := m.runs[key(namespaceID, workflowID, runID)]
	return rec.exec.Clone(), nil
}

func (m *memoryHistoryStore) ListExecutions(ctx context.Context, namespaceID string) ([]*types.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.WorkflowExecution
	for k, rec := range m.runs {
		if k.namespaceID != namespaceID {
			continue
		}
		out = append(out, rec.exec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		if out[i].WorkflowID != out[j].WorkflowID {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

func (m *memoryHistoryStore) UpdateExecution(ctx context.Context, newExec *types.WorkflowExecution, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(newExec.NamespaceID, newExec.WorkflowID, newExec.RunID)
	rec, ok := m.runs[k]
	if !ok {
		return types.NewNotFound("execution %s/%s/%s not found", newExec.NamespaceID, newExec.WorkflowID, newExec.RunID)
	}
	if rec.exec.Version != expectedVersion {
		return types.NewConcurrencyConflict(expectedVersion, rec.exec.Version)
	}

	cloned := newExec.Clone()
	cloned.Version = expectedVersion + 1
	rec.exec = cloned
	return nil
}

func (m *memoryHistoryStore) AppendEvents(ctx context.Context, namespaceID, workflowID, runID string, events []*types.HistoryEvent, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(events) == 0 {
		return 0, nil
	}

	k := key(namespaceID, workflowID, runID)
	rec, ok := m.runs[k]
	if !ok {
		return 0, types.NewNotFound("execution %s/%s/%s not found", namespaceID, workflowID, runID)
	}
	if rec.exec.Version != expectedVersion {
		return 0, types.NewConcurrencyConflict(expectedVersion, rec.exec.Version)
	}

	expected := int64(len(rec.events)) + 1
	for _, e := range events {
		if e.EventID != expected {
			return 0, &types.HistoryEventError{Expected: expected, Got: e.EventID}
		}
		expected++
	}

	rec.events = append(rec.events, events...)
	rec.exec.NextEventID = expected
	rec.exec.Version = expectedVersion + 1
	return rec.exec.Version, nil
}

func (m *memoryHistoryStore) GetHistory(ctx context.Context, namespaceID, workflowID, runID string, from int64, max int) ([]*types.HistoryEvent, int64, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.runs[key(namespaceID, workflowID, runID)]
	if !ok {
		return nil, 0, 0, false, types.NewNotFound("execution %s/%s/%s not found", namespaceID, workflowID, runID)
	}
	if from < 1 {
		from = 1
	}
	startIdx := int(from - 1)
	if startIdx >= len(rec.events) {
		return nil, 0, 0, true, nil
	}

	endIdx := startIdx + max
	isLast := true
	if max <= 0 || endIdx >= len(rec.events) {
		endIdx = len(rec.events)
	} else {
		isLast = false
	}

	page := rec.events[startIdx:endIdx]
	out := make([]*types.HistoryEvent, len(page))
	copy(out, page)

	if len(out) == 0 {
		return out, 0, 0, true, nil
	}
	return out, out[0].EventID, out[len(out)-1].EventID, isLast, nil
}

func (m *memoryHistoryStore) ValidateEventSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.runs[key(namespaceID, workflowID, runID)]
	if !ok {
		return false, types.NewNotFound("execution %s/%s/%s not found", namespaceID, workflowID, runID)
	}
	for i, e := range rec.events {
		if e.EventID != int64(i+1) {
			return false, nil
		}
	}
	return true, nil
}
