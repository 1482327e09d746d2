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

type queueKey struct {
	namespaceID string
	queueName   string
}

type memoryQueueStore struct {
	mu       sync.Mutex
	items    map[queueKey][]*types.TaskQueueItem
	ackLevel map[queueKey]int64
}

// NewMemoryQueueStore returns an in-process QueueStore, used as the default
// durable write-ahead log for the matching service's pending set.
func NewMemoryQueueStore() QueueStore {
	return &memoryQueueStore{
		items:    make(map[queueKey][]*types.TaskQueueItem),
		ackLevel: make(map[queueKey]int64),
	}
}

func (m *memoryQueueStore) Enqueue(ctx context.Context, item *types.TaskQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := queueKey{namespaceID: item.NamespaceID, queueName: item.QueueName}
	clone := *item
	m.items[k] = append(m.items[k], &clone)
	return nil
}

func (m *memoryQueueStore) ReadPending(ctx context.Context, namespaceID, queueName string, maxCount int) ([]*types.TaskQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := queueKey{namespaceID: namespaceID, queueName: queueName}
	items := append([]*types.TaskQueueItem(nil), m.items[k]...)
	sort.Slice(items, func(i, j int) bool { return items[i].TaskID < items[j].TaskID })

	if maxCount > 0 && len(items) > maxCount {
		items = items[:maxCount]
	}
	return items, nil
}

func (m *memoryQueueStore) DeleteBefore(ctx context.Context, namespaceID, queueName string, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := queueKey{namespaceID: namespaceID, queueName: queueName}
	kept := m.items[k][:0]
	for _, item := range m.items[k] {
		if item.TaskID >= taskID {
			kept = append(kept, item)
		}
	}
	m.items[k] = kept
	return nil
}

func (m *memoryQueueStore) UpdateAckLevel(ctx context.Context, namespaceID, queueName string, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := queueKey{namespaceID: namespaceID, queueName: queueName}
	if cur, ok := m.ackLevel[k]; ok && cur > taskID {
		// Ignore possibly delayed message.
		return nil
	}
	m.ackLevel[k] = taskID
	return nil
}

func (m *memoryQueueStore) GetAckLevel(ctx context.Context, namespaceID, queueName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ackLevel[queueKey{namespaceID: namespaceID, queueName: queueName}], nil
}
