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

package runtime

import "sync"

// EffectResult is the persisted outcome of one effect capture. Exactly one
// of Payload/FailureMessage is meaningful, selected by Failed.
type EffectResult struct {
	Payload        []byte
	Failed         bool
	FailureMessage string
}

// EffectStore holds a run's captured effect results. It outlives any single
// task attempt: the executor threads the same store into every replay of the
// run so a second read of an effect ID returns the stored result without
// re-running the effect.
type EffectStore struct {
	mu      sync.Mutex
	results map[string]*EffectResult

	// scopeOpen anchors the one-open-scope-per-run invariant on the store,
	// since the store is the per-run resource every attempt shares.
	scopeOpen bool
}

// NewEffectStore returns an empty per-run effect store.
func NewEffectStore() *EffectStore {
	return &EffectStore{results: make(map[string]*EffectResult)}
}

// Get returns the stored result for effectID, if any.
func (s *EffectStore) Get(effectID string) (*EffectResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[effectID]
	if !ok {
		return nil, false
	}
	clone := *r
	return &clone, true
}

// Put stores the result for effectID. The first write wins; the key
// determines the value by contract, so a concurrent duplicate is dropped.
func (s *EffectStore) Put(effectID string, result *EffectResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[effectID]; ok {
		return
	}
	clone := *result
	s.results[effectID] = &clone
}

// Len reports how many distinct effects have been captured.
func (s *EffectStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *EffectStore) acquireScope() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scopeOpen {
		return false
	}
	s.scopeOpen = true
	return true
}

func (s *EffectStore) releaseScope() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopeOpen = false
}

// VersionDecision records the outcome of one version gate evaluation.
type VersionDecision struct {
	Version int
	IsNew   bool
}

// VersionDecisions holds a run's recorded change-id → version choices,
// persisted across attempts alongside the effect store.
type VersionDecisions struct {
	mu      sync.Mutex
	decided map[string]int
}

// NewVersionDecisions returns an empty per-run decision set.
func NewVersionDecisions() *VersionDecisions {
	return &VersionDecisions{decided: make(map[string]int)}
}

// Get returns the recorded version for changeID, if any.
func (d *VersionDecisions) Get(changeID string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.decided[changeID]
	return v, ok
}

// Record stores the version for changeID if no decision exists yet, and
// returns the effective version either way.
func (d *VersionDecisions) Record(changeID string, version int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.decided[changeID]; ok {
		return v
	}
	d.decided[changeID] = version
	return version
}
