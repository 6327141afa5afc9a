package deferred

import (
	"context"
	"errors"
)

// errNilRef is returned by Resolve on a zero Ref.
var errNilRef = errors.New("deferred: empty reference")

// Ref is either a settled value or a pending handle.
//
// Operations that accept results of earlier operations take a Ref and call
// Resolve at the start of their own work, so callers can chain a submission
// onto one that has not finished yet.
type Ref[T any] struct {
	value   T
	pending *Handle[T]
	set     bool
}

// Resolved wraps a value that is already available.
func Resolved[T any](v T) Ref[T] {
	return Ref[T]{value: v, set: true}
}

// Pending wraps a handle that may still be running.
func Pending[T any](h *Handle[T]) Ref[T] {
	return Ref[T]{pending: h, set: h != nil}
}

// IsPending reports whether the reference points at a handle that has not
// resolved yet.
func (r Ref[T]) IsPending() bool {
	return r.pending != nil && !r.pending.IsDone()
}

// Resolve returns the value, blocking on the handle if needed.
func (r Ref[T]) Resolve(ctx context.Context) (T, error) {
	if !r.set {
		var zero T
		return zero, errNilRef
	}
	if r.pending == nil {
		return r.value, nil
	}
	return r.pending.Wait(ctx)
}
