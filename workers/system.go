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

// Package workers runs the system background loops: shard lease
// acquisition/renewal, expired-shard reclamation, task-lease sweeping, and
// durable timer firing. Every loop hangs off one root context; canceling it
// shuts the whole set down deterministically.
package workers

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/config"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/types"
	"github.com/durableflow/durableflow/service/matching"
	"github.com/durableflow/durableflow/service/shard"
)

// TimerQueue is the system queue that holds durable timers. A timer is a
// task queue item whose ScheduledAt is the fire time and whose payload
// embeds the task to enqueue when it fires.
const TimerQueue = "system-timers"

// TimerPayload is the wire shape of a timer task.
type TimerPayload struct {
	Task types.TaskQueueItem `json:"task"`
}

// System owns the background loops for one host.
type System struct {
	cfg      *config.Config
	identity string
	shardMgr shard.Manager
	matching matching.Service
	clock    clock.Clock
	logger   log.Logger
}

// NewSystem builds the system worker set for the given host identity.
func NewSystem(
	cfg *config.Config,
	identity string,
	shardMgr shard.Manager,
	matchingSvc matching.Service,
	clk clock.Clock,
	logger log.Logger,
) *System {
	return &System{
		cfg:      cfg,
		identity: identity,
		shardMgr: shardMgr,
		matching: matchingSvc,
		clock:    clk,
		logger:   logger.WithTags(tag.WorkerIdentity(identity)),
	}
}

// Run starts every loop and blocks until ctx is canceled.
func (s *System) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.shardLeaseLoop(ctx) })
	g.Go(func() error { return s.shardReclaimLoop(ctx) })
	g.Go(func() error { return s.queueSweepLoop(ctx) })
	g.Go(func() error { return s.timerLoop(ctx) })
	return g.Wait()
}

// shardLeaseLoop acquires every shard this host can get and keeps renewing
// what it holds. Acquire is idempotent for the current owner, so one call
// per shard per tick covers both cases; shards another live host owns
// return ShardUnavailable and are skipped.
func (s *System) shardLeaseLoop(ctx context.Context) error {
	s.acquireShards(ctx)
	ticker := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.acquireShards(ctx)
		}
	}
}

func (s *System) acquireShards(ctx context.Context) {
	acquired := 0
	for i := 0; i < s.cfg.ShardCount; i++ {
		if _, err := s.shardMgr.AcquireLease(ctx, i, s.identity, s.cfg.LeaseDuration); err != nil {
			if !types.IsCode(err, types.CodeShardUnavailable) {
				s.logger.Warn("shard acquire failed", tag.ShardID(i), tag.Error(err))
			}
			continue
		}
		acquired++
	}
	s.logger.Debug("shard lease pass", tag.Counter(acquired))
}

func (s *System) shardReclaimLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.LeaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			count, err := s.shardMgr.ReclaimExpired(ctx)
			if err != nil {
				s.logger.Warn("shard reclaim failed", tag.Error(err))
				continue
			}
			if count > 0 {
				s.logger.Info("reclaimed expired shard leases", tag.Counter(count))
			}
		}
	}
}

func (s *System) queueSweepLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.LeaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if count := s.matching.ReclaimExpiredLeases(ctx); count > 0 {
				s.logger.Info("reclaimed expired task leases", tag.Counter(count))
			}
		}
	}
}

// timerLoop consumes the system timer queue and enqueues each fired timer's
// embedded task onto its destination queue.
func (s *System) timerLoop(ctx context.Context) error {
	stream, err := s.matching.Subscribe(ctx, TimerQueue, s.identity)
	if err != nil {
		return err
	}
	for timer := range stream {
		s.fireTimer(ctx, timer)
	}
	return ctx.Err()
}

func (s *System) fireTimer(ctx context.Context, timer *matching.MatchingTask) {
	var payload TimerPayload
	if err := json.Unmarshal(timer.Item.Payload, &payload); err != nil {
		// A malformed timer can never fire; drop it for good.
		s.logger.Error("malformed timer payload", tag.TaskID(timer.Item.TaskID), tag.Error(err))
		_ = timer.Fail(ctx, "malformed timer payload", false)
		return
	}

	if err := s.matching.EnqueueTask(ctx, &payload.Task); err != nil {
		// Destination backpressure; let the timer come around again.
		_ = timer.Fail(ctx, err.Error(), true)
		return
	}
	_ = timer.Complete(ctx)
	s.logger.Debug("timer fired",
		tag.QueueName(payload.Task.QueueName), tag.WorkflowID(payload.Task.WorkflowID))
}

// ScheduleTimer durably schedules task to be enqueued at fireAt.
func ScheduleTimer(ctx context.Context, matchingSvc matching.Service, fireAt time.Time, task *types.TaskQueueItem) error {
	payload, err := json.Marshal(TimerPayload{Task: *task})
	if err != nil {
		return types.NewInternal(err, "encode timer payload")
	}
	return matchingSvc.EnqueueTask(ctx, &types.TaskQueueItem{
		NamespaceID: task.NamespaceID,
		QueueName:   TimerQueue,
		QueueType:   types.QueueWorkflow,
		TaskID:      task.TaskID,
		WorkflowID:  task.WorkflowID,
		RunID:       task.RunID,
		ScheduledAt: fireAt,
		Payload:     payload,
	})
}
