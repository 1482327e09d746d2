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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
)

func newTestManager(t *testing.T, numShards int) (Manager, clock.FakeClock) {
	t.Helper()
	clk := clock.NewFake()
	store := persistence.NewMemoryShardStore()
	mgr := NewManager(store, numShards, clk, log.NewNoop(), metrics.NoopScope())
	require.NoError(t, mgr.InitializeShards(context.Background(), numShards))
	return mgr, clk
}

func TestAcquireLease(t *testing.T) {
	mgr, clk := newTestManager(t, 4)
	ctx := context.Background()

	lease, err := mgr.AcquireLease(ctx, 0, "host-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "host-a", lease.OwnerIdentity)
	assert.Equal(t, clk.Now().Add(time.Minute), lease.LeaseExpiresAt)

	// Another host cannot steal an unexpired lease.
	_, err = mgr.AcquireLease(ctx, 0, "host-b", time.Minute)
	assert.ErrorIs(t, err, &types.Error{Code: types.CodeShardUnavailable})

	// Idempotent re-acquire for the current owner extends the lease.
	clk.Advance(30 * time.Second)
	lease, err = mgr.AcquireLease(ctx, 0, "host-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Minute), lease.LeaseExpiresAt)
}

func TestAcquireLeaseAfterExpiry(t *testing.T) {
	mgr, clk := newTestManager(t, 4)
	ctx := context.Background()

	_, err := mgr.AcquireLease(ctx, 2, "host-a", time.Minute)
	require.NoError(t, err)

	clk.Advance(70 * time.Second)
	lease, err := mgr.AcquireLease(ctx, 2, "host-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "host-b", lease.OwnerIdentity)
}

func TestRenewLease(t *testing.T) {
	mgr, clk := newTestManager(t, 4)
	ctx := context.Background()

	_, err := mgr.AcquireLease(ctx, 1, "host-a", time.Minute)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	lease, err := mgr.RenewLease(ctx, 1, "host-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Minute), lease.LeaseExpiresAt)

	// A non-owner cannot renew.
	_, err = mgr.RenewLease(ctx, 1, "host-b", time.Minute)
	assert.ErrorIs(t, err, &types.Error{Code: types.CodeShardUnavailable})

	// The owner cannot renew after expiry.
	clk.Advance(2 * time.Minute)
	_, err = mgr.RenewLease(ctx, 1, "host-a", time.Minute)
	assert.ErrorIs(t, err, &types.Error{Code: types.CodeShardUnavailable})
}

func TestReleaseLease(t *testing.T) {
	mgr, _ := newTestManager(t, 4)
	ctx := context.Background()

	_, err := mgr.AcquireLease(ctx, 3, "host-a", time.Minute)
	require.NoError(t, err)

	require.Error(t, mgr.ReleaseLease(ctx, 3, "host-b"))
	require.NoError(t, mgr.ReleaseLease(ctx, 3, "host-a"))

	lease, err := mgr.GetLease(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, lease.OwnerIdentity)

	// Shard is free for anyone now.
	_, err = mgr.AcquireLease(ctx, 3, "host-b", time.Minute)
	require.NoError(t, err)
}

func TestGetOwnedShards(t *testing.T) {
	mgr, clk := newTestManager(t, 8)
	ctx := context.Background()

	for _, id := range []int{1, 3, 5} {
		_, err := mgr.AcquireLease(ctx, id, "host-a", time.Minute)
		require.NoError(t, err)
	}
	_, err := mgr.AcquireLease(ctx, 2, "host-b", time.Minute)
	require.NoError(t, err)

	owned, err := mgr.GetOwnedShards(ctx, "host-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 3, 5}, owned)

	// Expired leases don't count as owned.
	clk.Advance(2 * time.Minute)
	owned, err = mgr.GetOwnedShards(ctx, "host-a")
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestReclaimExpired(t *testing.T) {
	mgr, clk := newTestManager(t, 8)
	ctx := context.Background()

	_, err := mgr.AcquireLease(ctx, 0, "host-a", time.Minute)
	require.NoError(t, err)
	_, err = mgr.AcquireLease(ctx, 1, "host-a", 3*time.Minute)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	count, err := mgr.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	lease, err := mgr.GetLease(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, lease.OwnerIdentity)

	lease, err = mgr.GetLease(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "host-a", lease.OwnerIdentity)
}

func TestInitializeShardsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t, 16)
	ctx := context.Background()

	require.NoError(t, mgr.InitializeShards(ctx, 16))

	all, err := mgr.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 16)
	for _, s := range all {
		assert.Greater(t, s.RangeEnd, s.RangeStart)
	}
}
