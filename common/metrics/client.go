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

// Package metrics wraps github.com/uber-go/tally so components emit
// counters/gauges/timers without depending on tally types directly.
package metrics

import (
	"time"

	"github.com/uber-go/tally"
)

// Scope is a named, taggable metrics emitter for one component.
type Scope interface {
	Counter(name string) tally.Counter
	Gauge(name string) tally.Gauge
	Timer(name string) tally.Timer
	Tagged(tags map[string]string) Scope
}

type tallyScope struct {
	s tally.Scope
}

// NewRootScope wraps a tally.Scope for one process. Pass tally.NoopScope in
// tests or when metrics reporting isn't wired up.
func NewRootScope(s tally.Scope) Scope {
	return &tallyScope{s: s}
}

func (t *tallyScope) Counter(name string) tally.Counter { return t.s.Counter(name) }
func (t *tallyScope) Gauge(name string) tally.Gauge     { return t.s.Gauge(name) }
func (t *tallyScope) Timer(name string) tally.Timer     { return t.s.Timer(name) }
func (t *tallyScope) Tagged(tags map[string]string) Scope {
	return &tallyScope{s: t.s.Tagged(tags)}
}

// Component scope names, one per service component.
const (
	ScopeShardManager = "shard_manager"
	ScopeHistoryStore = "history_store"
	ScopeTaskQueue    = "task_queue"
	ScopeMatching     = "matching"
	ScopeRuntime      = "replay_runtime"
	ScopeExecutor     = "workflow_executor"
	ScopeSystemWorker = "system_worker"
)

// Metric names shared across components.
const (
	MetricLeaseAcquired      = "lease_acquired"
	MetricLeaseLost          = "lease_lost"
	MetricLeaseRenewed       = "lease_renewed"
	MetricTaskEnqueued       = "task_enqueued"
	MetricTaskPolled         = "task_polled"
	MetricTaskCompleted      = "task_completed"
	MetricTaskFailed         = "task_failed"
	MetricTaskDeadLettered   = "task_dead_lettered"
	MetricQueueDepth         = "queue_depth"
	MetricEffectCaptureHit   = "effect_capture_hit"
	MetricEffectCaptureMiss  = "effect_capture_miss"
	MetricVersionGateNew     = "version_gate_new"
	MetricVersionGateReplay  = "version_gate_replay"
	MetricHistoryAppend      = "history_append"
	MetricConcurrencyConflict = "concurrency_conflict"
	MetricWorkflowCompleted  = "workflow_completed"
	MetricWorkflowFailed     = "workflow_failed"
)

// NoopScope is a Scope that discards everything, for unit tests.
func NoopScope() Scope { return NewRootScope(tally.NoopScope) }

// Since records a timer duration since start against name.
func Since(scope Scope, name string, start time.Time) {
	scope.Timer(name).Record(time.Since(start))
}
