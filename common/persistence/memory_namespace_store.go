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
	"sync"

	"github.com/durableflow/durableflow/common/types"
)

type memoryNamespaceStore struct {
	mu     sync.Mutex
	byID   map[string]*types.Namespace
	byName map[string]string
}

// NewMemoryNamespaceStore returns an in-process NamespaceStore.
func NewMemoryNamespaceStore() NamespaceStore {
	return &memoryNamespaceStore{
		byID:   make(map[string]*types.Namespace),
		byName: make(map[string]string),
	}
}

func (m *memoryNamespaceStore) Create(ctx context.Context, ns *types.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[ns.Name]; ok {
		return types.NewAlreadyExists("namespace %q already exists", ns.Name)
	}
	clone := *ns
	m.byID[ns.ID] = &clone
	m.byName[ns.Name] = ns.ID
	return nil
}

func (m *memoryNamespaceStore) Get(ctx context.Context, id string) (*types.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.byID[id]
	if !ok {
		return nil, types.NewNotFound("namespace %s not found", id)
	}
	clone := *ns
	return &clone, nil
}

func (m *memoryNamespaceStore) GetByName(ctx context.Context, name string) (*types.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[name]
	if !ok {
		return nil, types.NewNotFound("namespace %q not found", name)
	}
	clone := *m.byID[id]
	return &clone, nil
}

func (m *memoryNamespaceStore) Update(ctx context.Context, ns *types.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[ns.ID]; !ok {
		return types.NewNotFound("namespace %s not found", ns.ID)
	}
	clone := *ns
	m.byID[ns.ID] = &clone
	return nil
}

func (m *memoryNamespaceStore) List(ctx context.Context) ([]*types.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Namespace, 0, len(m.byID))
	for _, ns := range m.byID {
		clone := *ns
		out = append(out, &clone)
	}
	return out, nil
}
