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

// Package runtime is the worker-side replay runtime: a per-run scope that
// gives workflow code deterministic effect capture, version gates, a
// logical clock, and ambient metadata. Two executions of the same workflow
// code against the same effect store and version decisions produce the same
// sequence of decisions and the same output.
package runtime

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/metrics"
)

// Options carries everything the executor knows about the run when it opens
// a scope for one task attempt. EffectStore and VersionDecisions persist
// across attempts and runs of the same workflow; the rest is per-attempt.
type Options struct {
	Namespace  string
	WorkflowID string
	RunID      string
	TaskQueue  string

	StartedAt           time.Time
	InitialLogicalClock uint64
	ReplayCount         uint32
	Metadata            map[string]string

	EffectStore      *EffectStore
	VersionDecisions *VersionDecisions

	Logger log.Logger
	Scope  metrics.Scope
}

// ExecutionContext is the immutable snapshot of the run the workflow code
// may inspect.
type ExecutionContext struct {
	Namespace   string
	WorkflowID  string
	RunID       string
	TaskQueue   string
	StartedAt   time.Time
	ReplayCount uint32
}

// Runtime is one open per-run scope. It is single-threaded by contract:
// workflow code must not fork parallel effect captures sharing an effect ID.
type Runtime struct {
	execCtx  ExecutionContext
	clock    atomic.Uint64
	metadata map[string]string
	effects  *EffectStore
	versions *VersionDecisions
	logger   log.Logger
	scope    metrics.Scope
	closed   atomic.Bool
}

// Open begins the run's runtime scope. A run has at most one open scope at
// a time; a nested open is a usage error and fails rather than silently
// sharing state across attempts.
func Open(opts Options) (*Runtime, error) {
	if opts.EffectStore == nil || opts.VersionDecisions == nil {
		return nil, fmt.Errorf("runtime: effect store and version decisions are required")
	}
	if !opts.EffectStore.acquireScope() {
		return nil, fmt.Errorf("runtime: scope already open for run %s", opts.RunID)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoop()
	}
	scope := opts.Scope
	if scope == nil {
		scope = metrics.NoopScope()
	}

	r := &Runtime{
		execCtx: ExecutionContext{
			Namespace:   opts.Namespace,
			WorkflowID:  opts.WorkflowID,
			RunID:       opts.RunID,
			TaskQueue:   opts.TaskQueue,
			StartedAt:   opts.StartedAt,
			ReplayCount: opts.ReplayCount,
		},
		metadata: opts.Metadata,
		effects:  opts.EffectStore,
		versions: opts.VersionDecisions,
		logger:   logger,
		scope:    scope.Tagged(map[string]string{"component": metrics.ScopeRuntime}),
	}
	r.clock.Store(opts.InitialLogicalClock)
	return r, nil
}

// Close ends the scope. Calls after the first are no-ops; the executor calls
// it unconditionally before resolving the task's lease.
func (r *Runtime) Close() {
	if r.closed.CompareAndSwap(false, true) {
		r.effects.releaseScope()
	}
}

// Context returns the immutable execution context snapshot.
func (r *Runtime) Context() ExecutionContext {
	return r.execCtx
}

// Capture runs fn at most once per effect ID across every attempt of the
// run. A stored result, success or failure alike, is returned without
// invoking fn. A prior attempt's failure replays as the same failure; the workflow
// is free to recover around it.
func (r *Runtime) Capture(effectID string, fn func() ([]byte, error)) ([]byte, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("runtime: capture %q on closed scope", effectID)
	}

	if stored, ok := r.effects.Get(effectID); ok {
		r.scope.Counter(metrics.MetricEffectCaptureHit).Inc(1)
		if stored.Failed {
			return nil, fmt.Errorf("%s", stored.FailureMessage)
		}
		return stored.Payload, nil
	}

	r.scope.Counter(metrics.MetricEffectCaptureMiss).Inc(1)
	payload, err := fn()
	if err != nil {
		r.effects.Put(effectID, &EffectResult{Failed: true, FailureMessage: err.Error()})
		r.logger.Debug("effect captured failure", tag.EffectID(effectID), tag.Error(err))
		return nil, err
	}
	r.effects.Put(effectID, &EffectResult{Payload: payload})
	r.logger.Debug("effect captured", tag.EffectID(effectID))
	return payload, nil
}

// RequireVersion gates a change-id branch point. The first encounter records
// chooser(max) clamped to [min, max]; every later encounter, including in
// later replays, returns the recorded version with IsNew false. Asking for
// a range that excludes the recorded version is a determinism violation.
func (r *Runtime) RequireVersion(changeID string, min, max int, chooser func(max int) int) (VersionDecision, error) {
	if min > max {
		return VersionDecision{}, fmt.Errorf("runtime: version gate %q: min %d > max %d", changeID, min, max)
	}

	if recorded, ok := r.versions.Get(changeID); ok {
		if recorded < min || recorded > max {
			return VersionDecision{}, fmt.Errorf(
				"runtime: version gate %q recorded %d outside requested [%d, %d]", changeID, recorded, min, max)
		}
		r.scope.Counter(metrics.MetricVersionGateReplay).Inc(1)
		return VersionDecision{Version: recorded, IsNew: false}, nil
	}

	chosen := max
	if chooser != nil {
		chosen = chooser(max)
	}
	if chosen < min {
		chosen = min
	}
	if chosen > max {
		chosen = max
	}

	effective := r.versions.Record(changeID, chosen)
	r.scope.Counter(metrics.MetricVersionGateNew).Inc(1)
	r.logger.Debug("version gate decided", tag.ChangeID(changeID), tag.Version(int64(effective)))
	return VersionDecision{Version: effective, IsNew: effective == chosen}, nil
}

// Tick advances the run's logical clock and returns the new value.
func (r *Runtime) Tick() uint64 {
	return r.clock.Inc()
}

// LogicalClock reads the clock without advancing it.
func (r *Runtime) LogicalClock() uint64 {
	return r.clock.Load()
}

// Metadata reads one ambient metadata key.
func (r *Runtime) Metadata(key string) (string, bool) {
	v, ok := r.metadata[key]
	return v, ok
}
