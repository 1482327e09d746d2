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
	"math"
	"sync"
	"time"

	"github.com/durableflow/durableflow/common/types"
)

type memoryShardStore struct {
	mu     sync.Mutex
	shards map[int]*types.Shard
}

// NewMemoryShardStore returns an in-process ShardStore, the default backing
// for the shard manager when no SQL DSN is configured.
func NewMemoryShardStore() ShardStore {
	return &memoryShardStore{shards: make(map[int]*types.Shard)}
}

func (m *memoryShardStore) InitializeShards(ctx context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.shards) > 0 {
		return nil // idempotent: already initialized
	}

	// Split the positive signed-64-bit range evenly across n shards.
	span := int64(math.MaxInt64) / int64(n)
	for i := 0; i < n; i++ {
		start := int64(i) * span
		end := start + span
		if i == n-1 {
			end = math.MaxInt64
		}
		m.shards[i] = &types.Shard{
			ShardID:    i,
			RangeStart: start,
			RangeEnd:   end,
		}
	}
	return nil
}

func (m *memoryShardStore) Get(ctx context.Context, shardID int) (*types.Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shards[shardID]
	if !ok {
		return nil, types.NewNotFound("shard %d not found", shardID)
	}
	clone := *s
	return &clone, nil
}

func (m *memoryShardStore) CompareAndSwap(ctx context.Context, newShard *types.Shard, expectedOwner string, expectedExpiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shards[newShard.ShardID]
	if !ok {
		return false, types.NewNotFound("shard %d not found", newShard.ShardID)
	}

	if s.OwnerIdentity != expectedOwner || !s.LeaseExpiresAt.Equal(expectedExpiresAt) {
		return false, nil
	}

	clone := *newShard
	m.shards[newShard.ShardID] = &clone
	return true, nil
}

func (m *memoryShardStore) List(ctx context.Context) ([]*types.Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Shard, 0, len(m.shards))
	for _, s := range m.shards {
		clone := *s
		out = append(out, &clone)
	}
	return out, nil
}
