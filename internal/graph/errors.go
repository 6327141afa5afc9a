package graph

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode categorizes coordinator and engine failures.
type ErrorCode string

const (
	// CodePoolExhausted indicates no session became available within the acquisition bound.
	CodePoolExhausted ErrorCode = "POOL_EXHAUSTED"

	// CodeConflict indicates a write was rejected because its target changed since it was read.
	CodeConflict ErrorCode = "CONCURRENCY_CONFLICT"

	// CodeUnsupported indicates an operation the coordinator refuses to run.
	CodeUnsupported ErrorCode = "UNSUPPORTED_OPERATION"

	// CodeClosed indicates an operation was attempted after shutdown.
	CodeClosed ErrorCode = "CLOSED"

	// CodeBackend indicates any other failure surfaced by the backing engine.
	CodeBackend ErrorCode = "BACKING_OPERATION_FAILED"

	// CodeTimeout indicates a bounded wait (barrier, handle, operation) expired.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeCanceled indicates the caller cancelled the operation's context.
	CodeCanceled ErrorCode = "CANCELED"

	// CodeNotFound indicates the referenced vertex, edge or index does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is the error type returned across the graph packages.
//
// Two *Error values match under errors.Is when their codes are equal, so the
// sentinels below can be used as targets:
//
//	if errors.Is(err, graph.ErrConflict) { ... }
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op names the failed operation (e.g. "add edge").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for errors.Is comparisons.
var (
	ErrPoolExhausted = &Error{Code: CodePoolExhausted}
	ErrConflict      = &Error{Code: CodeConflict}
	ErrUnsupported   = &Error{Code: CodeUnsupported}
	ErrClosed        = &Error{Code: CodeClosed}
	ErrBackend       = &Error{Code: CodeBackend}
	ErrTimeout       = &Error{Code: CodeTimeout}
	ErrCanceled      = &Error{Code: CodeCanceled}
	ErrNotFound      = &Error{Code: CodeNotFound}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and operation to an underlying error.
// An err that already carries a code keeps it; only the operation is added.
func WrapError(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		code = ge.Code
	}
	return &Error{Code: code, Op: op, Err: err}
}

// ContextError classifies a context failure: an expired deadline is
// CodeTimeout, anything else (cancellation) is CodeCanceled.
func ContextError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	code := CodeCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code carried by err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// IsConflict returns true for optimistic-concurrency conflicts.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsPoolExhausted returns true when session acquisition timed out.
func IsPoolExhausted(err error) bool { return CodeOf(err) == CodePoolExhausted }

// IsClosed returns true for operations rejected after shutdown.
func IsClosed(err error) bool { return CodeOf(err) == CodeClosed }

// IsTimeout returns true when a bounded wait expired.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }

// IsCanceled returns true when the caller cancelled the operation.
func IsCanceled(err error) bool { return CodeOf(err) == CodeCanceled }

// IsNotFound returns true when the referenced element does not exist.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsUnsupported returns true for explicitly rejected operations.
func IsUnsupported(err error) bool { return CodeOf(err) == CodeUnsupported }
