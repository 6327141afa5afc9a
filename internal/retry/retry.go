// Package retry implements the bounded optimistic-concurrency retry used for
// edge creation.
//
// An attempt reports its outcome as an explicit Outcome value rather than by
// returning a sentinel error the caller has to sniff. The state machine is:
//
//	Attempt --success--> Success
//	Attempt --failure--> (failure returned verbatim)
//	Attempt --conflict--> ConflictDetected
//	ConflictDetected --attempts < max--> Reload --> Attempt
//	ConflictDetected --attempts == max--> Exhausted (conflict returned)
//
// With MaxAttempts = N an always-conflicting operation runs N attempts and
// N-1 reloads; one that succeeds on attempt k reloads k-1 times.
package retry

import (
	"context"
	"fmt"
)

// DefaultMaxAttempts bounds attempts per operation when no limit is configured.
const DefaultMaxAttempts = 20

// State is a step of the retry state machine.
type State int

const (
	StateAttempt State = iota + 1
	StateConflictDetected
	StateReload
	StateSuccess
	StateExhausted
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateAttempt:
		return "ATTEMPT"
	case StateConflictDetected:
		return "CONFLICT_DETECTED"
	case StateReload:
		return "RELOAD"
	case StateSuccess:
		return "SUCCESS"
	case StateExhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is the result of one attempt: a value, a conflict, or a failure.
type Outcome[T any] struct {
	Value    T
	Conflict error
	Err      error
}

// Success reports a successful attempt.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

// Conflict reports an optimistic-concurrency conflict; err is returned to
// the caller if the bound is exhausted.
func Conflict[T any](err error) Outcome[T] {
	return Outcome[T]{Conflict: err}
}

// Failure reports a non-retryable error.
func Failure[T any](err error) Outcome[T] {
	return Outcome[T]{Err: err}
}

// Transition describes one state change, for observation and logging.
type Transition struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// Policy configures Run.
type Policy struct {
	// MaxAttempts is the total number of attempts allowed. Values below 1
	// fall back to DefaultMaxAttempts.
	MaxAttempts int

	// OnTransition, if set, is called synchronously for every transition.
	OnTransition func(Transition)
}

// Stats counts what Run did.
type Stats struct {
	Attempts int
	Reloads  int
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) emit(from, to State, attempt int, err error) {
	if p.OnTransition != nil {
		p.OnTransition(Transition{From: from, To: to, Attempt: attempt, Err: err})
	}
}

// Run drives attempt until it succeeds, fails, or conflicts MaxAttempts
// times. reload is called between a conflicting attempt and the next one and
// must refresh whatever state attempt reads.
//
// attempt receives the 1-based attempt number.
func Run[T any](
	ctx context.Context,
	p Policy,
	attempt func(ctx context.Context, n int) Outcome[T],
	reload func(ctx context.Context) error,
) (T, Stats, error) {
	var zero T
	var stats Stats
	limit := p.maxAttempts()

	for {
		if err := ctx.Err(); err != nil {
			return zero, stats, err
		}

		stats.Attempts++
		out := attempt(ctx, stats.Attempts)

		switch {
		case out.Err != nil:
			return zero, stats, out.Err

		case out.Conflict == nil:
			p.emit(StateAttempt, StateSuccess, stats.Attempts, nil)
			return out.Value, stats, nil
		}

		p.emit(StateAttempt, StateConflictDetected, stats.Attempts, out.Conflict)

		if stats.Attempts >= limit {
			p.emit(StateConflictDetected, StateExhausted, stats.Attempts, out.Conflict)
			return zero, stats, out.Conflict
		}

		p.emit(StateConflictDetected, StateReload, stats.Attempts, out.Conflict)
		stats.Reloads++
		if err := reload(ctx); err != nil {
			return zero, stats, err
		}
		p.emit(StateReload, StateAttempt, stats.Attempts+1, nil)
	}
}
