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

package types

import (
	"errors"
	"fmt"
)

// Code is the wire error code enumerated in the external interface contract.
type Code string

const (
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeAlreadyExists       Code = "ALREADY_EXISTS"
	CodeFailedPrecondition  Code = "FAILED_PRECONDITION"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeShardUnavailable    Code = "SHARD_UNAVAILABLE"
	CodeTaskLeaseExpired    Code = "TASK_LEASE_EXPIRED"
	CodeHistoryEventError   Code = "HISTORY_EVENT_ERROR"
	CodeTimeout             Code = "TIMEOUT"
	CodePersistenceError    Code = "PERSISTENCE_ERROR"
	CodeInternal            Code = "INTERNAL"
	CodeCanceled            Code = "CANCELED"
)

// Error is the typed error returned by every durableflow component. Adapters
// translate it to wire codes; internally components compare against Code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &Error{Code: X}) to match on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsCode reports whether err (anywhere in its chain) carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func newErr(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewInvalidArgument builds a validation error.
func NewInvalidArgument(format string, args ...interface{}) *Error {
	return newErr(CodeInvalidArgument, format, args...)
}

// NewNotFound builds a not-found error.
func NewNotFound(format string, args ...interface{}) *Error {
	return newErr(CodeNotFound, format, args...)
}

// NewAlreadyExists builds an already-exists error.
func NewAlreadyExists(format string, args ...interface{}) *Error {
	return newErr(CodeAlreadyExists, format, args...)
}

// NewFailedPrecondition builds a state-machine violation error.
func NewFailedPrecondition(format string, args ...interface{}) *Error {
	return newErr(CodeFailedPrecondition, format, args...)
}

// ConcurrencyConflict is returned when an optimistic version check fails.
type ConcurrencyConflict struct {
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("%s: expected version %d, actual %d", CodeConcurrencyConflict, e.Expected, e.Actual)
}

// Is allows matching via errors.Is(err, &ConcurrencyConflict{}).
func (e *ConcurrencyConflict) Is(target error) bool {
	_, ok := target.(*ConcurrencyConflict)
	return ok
}

// NewConcurrencyConflict builds a ConcurrencyConflict error.
func NewConcurrencyConflict(expected, actual int64) *ConcurrencyConflict {
	return &ConcurrencyConflict{Expected: expected, Actual: actual}
}

// NewShardUnavailable builds a shard-lease-unavailable error.
func NewShardUnavailable(format string, args ...interface{}) *Error {
	return newErr(CodeShardUnavailable, format, args...)
}

// NewTaskLeaseExpired builds a lease-expired error.
func NewTaskLeaseExpired(format string, args ...interface{}) *Error {
	return newErr(CodeTaskLeaseExpired, format, args...)
}

// HistoryEventError is returned when an appended batch violates the
// contiguous event ID sequence.
type HistoryEventError struct {
	Expected int64
	Got      int64
}

func (e *HistoryEventError) Error() string {
	return fmt.Sprintf("%s: expected next event id %d, got %d", CodeHistoryEventError, e.Expected, e.Got)
}

func (e *HistoryEventError) Is(target error) bool {
	_, ok := target.(*HistoryEventError)
	return ok
}

// NewTimeout builds a deadline-exceeded error.
func NewTimeout(format string, args ...interface{}) *Error {
	return newErr(CodeTimeout, format, args...)
}

// NewCanceled builds a cooperative-cancellation error.
func NewCanceled(format string, args ...interface{}) *Error {
	return newErr(CodeCanceled, format, args...)
}

// NewPersistenceError wraps an underlying store failure.
func NewPersistenceError(cause error, format string, args ...interface{}) *Error {
	return wrapErr(CodePersistenceError, cause, format, args...)
}

// NewInternal wraps an unexpected internal failure.
func NewInternal(cause error, format string, args ...interface{}) *Error {
	return wrapErr(CodeInternal, cause, format, args...)
}
