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

package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardIndexStable(t *testing.T) {
	// The mapping must be identical across processes and runs; the pinned
	// values below fix the SHA-256 little-endian policy so any accidental
	// change to the hash breaks the build, not production routing.
	for i := 0; i < 100; i++ {
		assert.Equal(t, ShardIndex("order-workflow-1", 512), ShardIndex("order-workflow-1", 512))
	}
	assert.Equal(t, 309, ShardIndex("order-workflow-1", 512))
	assert.Equal(t, 391, ShardIndex("ORD-0001", 512))
}

func TestShardIndexRange(t *testing.T) {
	ids := []string{"", "a", "order-workflow-1", "ORD-0001", "workflow/with/slashes", "日本語"}
	for _, id := range ids {
		idx := ShardIndex(id, 512)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 512)
	}
}

func TestShardIndexDistribution(t *testing.T) {
	// Not a statistical test, just a sanity check that more than one shard
	// is ever chosen.
	seen := map[int]bool{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		seen[ShardIndex(id, 4)] = true
	}
	assert.Greater(t, len(seen), 1)
}
