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

// Package executor binds polled workflow tasks to registered workflow code,
// drives them through a replay runtime scope, and classifies the outcome
// into the completion/failure/requeue decision the worker loop acts on.
package executor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/durableflow/durableflow/runtime"
)

// Handler executes one workflow function over opaque bytes. Type safety
// lives at registration time: the generic Register wrapper pins the
// input/output types and bakes the codec into this closure.
type Handler func(ctx context.Context, rt *runtime.Runtime, input []byte) ([]byte, error)

// Registry maps workflow type names to their codec+executor closures.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// RegisterHandler registers a raw bytes-to-bytes handler under name,
// replacing any previous registration.
func (r *Registry) RegisterHandler(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get resolves a workflow type name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Register registers a typed workflow function under name, wrapping it with
// a JSON codec so dispatch stays opaque-bytes while callers keep their
// concrete types.
func Register[I any, O any](r *Registry, name string, fn func(ctx context.Context, rt *runtime.Runtime, input I) (O, error)) {
	r.RegisterHandler(name, func(ctx context.Context, rt *runtime.Runtime, raw []byte) ([]byte, error) {
		var input I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, &Failure{Kind: FailureInputDeserialization, Err: err}
			}
		}
		output, err := fn(ctx, rt, input)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(output)
		if err != nil {
			return nil, err
		}
		return encoded, nil
	})
}
