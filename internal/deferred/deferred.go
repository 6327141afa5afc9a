// Package deferred provides single-assignment handles for results computed
// in the background, and a tagged reference type for passing either a
// settled value or a still-pending handle into a later operation.
package deferred

import (
	"context"
	"sync"

	"github.com/roach88/asyncgraph/internal/graph"
)

// Handle holds the eventual result of a background computation.
//
// A handle resolves exactly once, to either a value or a failure; later
// Complete calls are ignored. Any number of goroutines may wait on it.
type Handle[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates an unresolved handle.
func New[T any]() *Handle[T] {
	return &Handle[T]{done: make(chan struct{})}
}

// Completed returns a handle already resolved to v.
func Completed[T any](v T) *Handle[T] {
	h := New[T]()
	h.Complete(v, nil)
	return h
}

// Failed returns a handle already resolved to err.
func Failed[T any](err error) *Handle[T] {
	h := New[T]()
	var zero T
	h.Complete(zero, err)
	return h
}

// Complete resolves the handle. When err is non-nil the handle resolves to
// the failure and v is discarded. Reports whether this call resolved it.
func (h *Handle[T]) Complete(v T, err error) bool {
	resolved := false
	h.once.Do(func() {
		if err == nil {
			h.value = v
		}
		h.err = err
		close(h.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel closed once the handle is resolved.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// IsDone reports whether the handle is resolved, without blocking.
func (h *Handle[T]) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err returns the failure of a resolved handle, or nil if it succeeded or
// is still pending.
func (h *Handle[T]) Err() error {
	if !h.IsDone() {
		return nil
	}
	return h.err
}

// Get blocks until the handle resolves and returns its value or failure.
func (h *Handle[T]) Get() (T, error) {
	<-h.done
	return h.value, h.err
}

// Wait blocks until the handle resolves or ctx ends. An expired ctx
// surfaces as CodeTimeout and a cancelled one as CodeCanceled.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	default:
	}
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, graph.ContextError("wait for handle", ctx.Err())
	}
}
