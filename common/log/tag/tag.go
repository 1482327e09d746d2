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

// Package tag provides typed constructors for structured log fields, so call
// sites never hand-build zap.Field values or free-form key strings.
package tag

import "go.uber.org/zap"

// Tag is a structured log field.
type Tag = zap.Field

func WorkflowID(v string) Tag   { return zap.String("workflow-id", v) }
func RunID(v string) Tag        { return zap.String("run-id", v) }
func NamespaceID(v string) Tag  { return zap.String("namespace-id", v) }
func ShardID(v int) Tag         { return zap.Int("shard-id", v) }
func ShardOwner(v string) Tag   { return zap.String("shard-owner", v) }
func QueueName(v string) Tag    { return zap.String("queue-name", v) }
func TaskID(v int64) Tag        { return zap.Int64("task-id", v) }
func LeaseID(v string) Tag      { return zap.String("lease-id", v) }
func Attempt(v int) Tag         { return zap.Int("attempt", v) }
func EventID(v int64) Tag       { return zap.Int64("event-id", v) }
func Version(v int64) Tag       { return zap.Int64("version", v) }
func Error(err error) Tag       { return zap.Error(err) }
func ChangeID(v string) Tag     { return zap.String("change-id", v) }
func EffectID(v string) Tag     { return zap.String("effect-id", v) }
func WorkerIdentity(v string) Tag { return zap.String("worker-identity", v) }
func Reason(v string) Tag         { return zap.String("reason", v) }
func WorkflowType(v string) Tag   { return zap.String("workflow-type", v) }
func Counter(v int) Tag           { return zap.Int("count", v) }
func Duration(key string, ms int64) Tag { return zap.Int64(key+"-ms", ms) }
