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
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// ShardIndex computes shard_id = SHA-256(workflowID)[0..8] as u64, little
// endian, taken as a non-negative int64 (MinInt64 clamped to MaxInt64), mod
// numShards. The hash must be stable across platforms and processes.
func ShardIndex(workflowID string, numShards int) int {
	sum := sha256.Sum256([]byte(workflowID))
	raw := int64(binary.LittleEndian.Uint64(sum[:8]))
	if raw == math.MinInt64 {
		raw = math.MaxInt64
	} else if raw < 0 {
		raw = -raw
	}
	return int(raw % int64(numShards))
}
