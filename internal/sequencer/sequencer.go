// Package sequencer orders graph mutations and provides the read barrier.
//
// Every mutation takes a sequence number from Next when it is submitted, not
// when it completes. Workers report completion through Complete, in any
// order. Wait blocks until every number up to a target has completed, which
// is how reads observe all previously submitted writes.
//
// The completion watermark only moves past a number once that number and all
// numbers below it have completed, so a slow early mutation holds back the
// barrier even when later ones have already finished.
package sequencer

import (
	"context"
	"sync"
	"sync/atomic"
)

// Sequencer issues mutation sequence numbers and tracks their completion.
//
// Thread-safety: all methods are safe for concurrent use.
type Sequencer struct {
	issued atomic.Int64

	mu        sync.Mutex
	watermark int64
	// done holds completed numbers above the watermark.
	done map[int64]struct{}
	// advanced is closed (and replaced) each time the watermark moves.
	advanced chan struct{}
}

// New creates a sequencer starting at 0. The first call to Next returns 1.
func New() *Sequencer {
	return &Sequencer{
		done:     make(map[int64]struct{}),
		advanced: make(chan struct{}),
	}
}

// Next issues the next sequence number.
// Calls are linearizable - each call returns a unique, increasing value.
func (s *Sequencer) Next() int64 {
	return s.issued.Add(1)
}

// Current returns the last issued number without issuing a new one.
func (s *Sequencer) Current() int64 {
	return s.issued.Load()
}

// Complete records that the mutation with the given number has finished,
// successfully or not. Completing a number twice, or one never issued, has
// no effect.
func (s *Sequencer) Complete(seq int64) {
	if seq <= 0 || seq > s.issued.Load() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.watermark {
		return
	}
	s.done[seq] = struct{}{}

	moved := false
	for {
		next := s.watermark + 1
		if _, ok := s.done[next]; !ok {
			break
		}
		delete(s.done, next)
		s.watermark = next
		moved = true
	}

	if moved {
		close(s.advanced)
		s.advanced = make(chan struct{})
	}
}

// Completed returns the watermark: the largest number S such that every
// mutation numbered 1..S has completed.
func (s *Sequencer) Completed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Pending returns how many issued mutations the watermark has not yet passed.
func (s *Sequencer) Pending() int64 {
	issued := s.issued.Load()
	return issued - s.Completed()
}

// Wait blocks until every mutation numbered up to seq has completed, or ctx
// ends. It returns ctx.Err() in the latter case.
func (s *Sequencer) Wait(ctx context.Context, seq int64) error {
	for {
		s.mu.Lock()
		if s.watermark >= seq {
			s.mu.Unlock()
			return nil
		}
		advanced := s.advanced
		s.mu.Unlock()

		select {
		case <-advanced:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
