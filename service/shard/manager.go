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

// Package shard partitions the workflow key space into a fixed set of
// shards and grants time-bounded ownership leases over them to history
// hosts. Ownership is lease-based, not consensus-based: a host that stops
// renewing loses the shard once the lease expires and another host reclaims
// it.
package shard

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
)

// Manager grants, renews, releases and reclaims shard leases.
type Manager interface {
	// InitializeShards idempotently creates n shard rows with evenly split
	// hash ranges. n is immutable after the first initialization.
	InitializeShards(ctx context.Context, n int) error
	// AcquireLease grants ownership of shardID to owner for leaseDuration.
	// It succeeds iff the shard is unowned, the recorded lease has expired,
	// or owner already holds it (idempotent re-acquire, which also extends
	// the lease). Otherwise it returns ShardUnavailable.
	AcquireLease(ctx context.Context, shardID int, owner string, leaseDuration time.Duration) (*types.Shard, error)
	// RenewLease extends an unexpired lease held by owner by extendBy from
	// now. Returns ShardUnavailable if owner no longer holds the shard.
	RenewLease(ctx context.Context, shardID int, owner string, extendBy time.Duration) (*types.Shard, error)
	// ReleaseLease clears ownership. Caller must be the current owner.
	ReleaseLease(ctx context.Context, shardID int, owner string) error
	// GetLease returns the current shard row.
	GetLease(ctx context.Context, shardID int) (*types.Shard, error)
	// GetOwnedShards returns the IDs of every shard owner holds an
	// unexpired lease on.
	GetOwnedShards(ctx context.Context, owner string) ([]int, error)
	// ListAll returns every shard row.
	ListAll(ctx context.Context) ([]*types.Shard, error)
	// ReclaimExpired clears ownership on every shard whose lease has
	// expired, returning how many were reclaimed.
	ReclaimExpired(ctx context.Context) (int, error)
	// ShardID maps a workflow ID onto its owning shard.
	ShardID(workflowID string) int
}

type manager struct {
	store     persistence.ShardStore
	numShards int
	clock     clock.Clock
	logger    log.Logger
	scope     metrics.Scope
}

// NewManager builds a Manager over the given store. numShards must match
// the value the store was initialized with.
func NewManager(store persistence.ShardStore, numShards int, clk clock.Clock, logger log.Logger, scope metrics.Scope) Manager {
	return &manager{
		store:     store,
		numShards: numShards,
		clock:     clk,
		logger:    logger,
		scope:     scope.Tagged(map[string]string{"component": metrics.ScopeShardManager}),
	}
}

func (m *manager) InitializeShards(ctx context.Context, n int) error {
	return m.store.InitializeShards(ctx, n)
}

func (m *manager) ShardID(workflowID string) int {
	return ShardIndex(workflowID, m.numShards)
}

func (m *manager) AcquireLease(ctx context.Context, shardID int, owner string, leaseDuration time.Duration) (*types.Shard, error) {
	cur, err := m.store.Get(ctx, shardID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if cur.Owned(now) && cur.OwnerIdentity != owner {
		return nil, types.NewShardUnavailable("shard %d owned by %s until %v", shardID, cur.OwnerIdentity, cur.LeaseExpiresAt)
	}

	next := *cur
	next.OwnerIdentity = owner
	next.LeaseExpiresAt = now.Add(leaseDuration)
	next.LastHeartbeat = now

	ok, err := m.store.CompareAndSwap(ctx, &next, cur.OwnerIdentity, cur.LeaseExpiresAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race against another acquirer between Get and CAS.
		return nil, types.NewShardUnavailable("shard %d acquired concurrently", shardID)
	}

	m.scope.Counter(metrics.MetricLeaseAcquired).Inc(1)
	m.logger.Info("shard lease acquired",
		tag.ShardID(shardID), tag.ShardOwner(owner))
	return &next, nil
}

func (m *manager) RenewLease(ctx context.Context, shardID int, owner string, extendBy time.Duration) (*types.Shard, error) {
	cur, err := m.store.Get(ctx, shardID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if cur.OwnerIdentity != owner || !now.Before(cur.LeaseExpiresAt) {
		m.scope.Counter(metrics.MetricLeaseLost).Inc(1)
		return nil, types.NewShardUnavailable("shard %d not held by %s", shardID, owner)
	}

	next := *cur
	next.LeaseExpiresAt = now.Add(extendBy)
	next.LastHeartbeat = now

	ok, err := m.store.CompareAndSwap(ctx, &next, cur.OwnerIdentity, cur.LeaseExpiresAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.scope.Counter(metrics.MetricLeaseLost).Inc(1)
		return nil, types.NewShardUnavailable("shard %d renewed concurrently", shardID)
	}

	m.scope.Counter(metrics.MetricLeaseRenewed).Inc(1)
	return &next, nil
}

func (m *manager) ReleaseLease(ctx context.Context, shardID int, owner string) error {
	cur, err := m.store.Get(ctx, shardID)
	if err != nil {
		return err
	}
	if cur.OwnerIdentity != owner {
		return types.NewShardUnavailable("shard %d not held by %s", shardID, owner)
	}

	next := *cur
	next.OwnerIdentity = ""
	next.LeaseExpiresAt = time.Time{}

	ok, err := m.store.CompareAndSwap(ctx, &next, cur.OwnerIdentity, cur.LeaseExpiresAt)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewShardUnavailable("shard %d changed owner during release", shardID)
	}

	m.logger.Info("shard lease released",
		tag.ShardID(shardID), tag.ShardOwner(owner))
	return nil
}

func (m *manager) GetLease(ctx context.Context, shardID int) (*types.Shard, error) {
	return m.store.Get(ctx, shardID)
}

func (m *manager) GetOwnedShards(ctx context.Context, owner string) ([]int, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	var owned []int
	for _, s := range all {
		if s.OwnerIdentity == owner && s.Owned(now) {
			owned = append(owned, s.ShardID)
		}
	}
	return owned, nil
}

func (m *manager) ListAll(ctx context.Context) ([]*types.Shard, error) {
	return m.store.List(ctx)
}

func (m *manager) ReclaimExpired(ctx context.Context) (int, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	// One broken shard row must not stall reclamation of the rest; sweep
	// them all and report the failures together.
	now := m.clock.Now()
	reclaimed := 0
	var errs error
	for _, s := range all {
		if s.OwnerIdentity == "" || now.Before(s.LeaseExpiresAt) {
			continue
		}
		next := *s
		next.OwnerIdentity = ""
		next.LeaseExpiresAt = time.Time{}
		ok, err := m.store.CompareAndSwap(ctx, &next, s.OwnerIdentity, s.LeaseExpiresAt)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			reclaimed++
			m.logger.Info("reclaimed expired shard lease",
				tag.ShardID(s.ShardID), tag.ShardOwner(s.OwnerIdentity))
		}
	}
	return reclaimed, errs
}
