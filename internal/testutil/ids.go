package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/asyncgraph/internal/opunit"
)

// SequentialIDs generates deterministic element IDs for tests.
//
// The first call to Next returns "<prefix>-1". Reset restarts the sequence so
// the same scenario produces identical IDs on every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	seq    int64
}

// NewSequentialIDs creates a generator. An empty prefix uses "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Next returns the next ID.
func (g *SequentialIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%d", g.prefix, g.seq)
}

// Reset restarts the sequence at 1.
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}

// SequentialUnits generates operation unit IDs 0:1, 0:2, ... so journal
// contents are reproducible in golden tests.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequentialUnits struct {
	mu   sync.Mutex
	high uint64
	low  uint64
}

// NewSequentialUnits creates a generator whose IDs share the given high half.
func NewSequentialUnits(high uint64) *SequentialUnits {
	return &SequentialUnits{high: high}
}

// Next returns the next operation unit ID.
func (g *SequentialUnits) Next() opunit.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.low++
	return opunit.New(g.high, g.low)
}
