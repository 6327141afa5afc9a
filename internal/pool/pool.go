// Package pool leases backing sessions to operations.
//
// At most MaxSessions sessions are leased at once. Acquire blocks while the
// pool is saturated and fails with CodePoolExhausted once AcquireTimeout
// elapses. Released sessions are reset and kept idle for reuse.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/asyncgraph/internal/graph"
)

// Defaults applied by New when Config leaves a field unset.
const (
	DefaultMaxSessions    = 8
	DefaultAcquireTimeout = 30 * time.Second
)

// Factory opens new sessions on the backing engine.
type Factory interface {
	NewSession(ctx context.Context) (graph.Session, error)
}

// Config bounds the pool.
type Config struct {
	// MinSessions are opened by New and kept idle.
	MinSessions int

	// MaxSessions caps concurrently leased sessions.
	MaxSessions int

	// AcquireTimeout bounds how long Acquire waits for a free session.
	// Zero waits until the caller's context ends.
	AcquireTimeout time.Duration
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	Open     int   `json:"open"`
	Idle     int   `json:"idle"`
	Leased   int   `json:"leased"`
}

// Pool is a bounded session pool. Safe for concurrent use.
type Pool struct {
	factory Factory
	cfg     Config
	logger  *slog.Logger

	// leases holds one token per leased session.
	leases chan struct{}

	mu     sync.Mutex
	idle   []graph.Session
	leased map[graph.Session]struct{}
	closed bool
	done   chan struct{}

	acquired atomic.Int64
	released atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a pool and opens cfg.MinSessions sessions up front.
func New(ctx context.Context, factory Factory, cfg Config, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool: nil factory")
	}
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.MinSessions < 0 {
		cfg.MinSessions = 0
	}
	if cfg.MinSessions > cfg.MaxSessions {
		return nil, fmt.Errorf("pool: min sessions %d exceeds max sessions %d", cfg.MinSessions, cfg.MaxSessions)
	}
	if cfg.AcquireTimeout < 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}

	p := &Pool{
		factory: factory,
		cfg:     cfg,
		logger:  slog.Default(),
		leases:  make(chan struct{}, cfg.MaxSessions),
		idle:    make([]graph.Session, 0, cfg.MaxSessions),
		leased:  make(map[graph.Session]struct{}, cfg.MaxSessions),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.MinSessions; i++ {
		s, err := factory.NewSession(ctx)
		if err != nil {
			closeErr := p.Close()
			return nil, errors.Join(graph.WrapError(graph.CodeBackend, "open session", err), closeErr)
		}
		p.idle = append(p.idle, s)
	}

	p.logger.Debug("session pool ready",
		"min", cfg.MinSessions, "max", cfg.MaxSessions, "acquireTimeout", cfg.AcquireTimeout)
	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Acquire leases a session. The caller must pass it to Release exactly once.
func (p *Pool) Acquire(ctx context.Context) (graph.Session, error) {
	if p.isClosed() {
		return nil, graph.NewError(graph.CodeClosed, "acquire session", "pool is closed")
	}

	var expired <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case p.leases <- struct{}{}:
	case <-p.done:
		return nil, graph.NewError(graph.CodeClosed, "acquire session", "pool is closed")
	case <-expired:
		return nil, graph.NewError(graph.CodePoolExhausted, "acquire session",
			"no session available within %s (max %d)", p.cfg.AcquireTimeout, p.cfg.MaxSessions)
	case <-ctx.Done():
		return nil, graph.ContextError("acquire session", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.leases
		return nil, graph.NewError(graph.CodeClosed, "acquire session", "pool is closed")
	}
	var s graph.Session
	if n := len(p.idle); n > 0 {
		s = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.leased[s] = struct{}{}
	}
	p.mu.Unlock()

	if s == nil {
		var err error
		s, err = p.factory.NewSession(ctx)
		if err != nil {
			<-p.leases
			return nil, graph.WrapError(graph.CodeBackend, "open session", err)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.leases
			return nil, errors.Join(
				graph.NewError(graph.CodeClosed, "acquire session", "pool is closed"),
				s.Close())
		}
		p.leased[s] = struct{}{}
		p.mu.Unlock()
	}

	p.acquired.Add(1)
	return s, nil
}

// Release returns a leased session. The session's binding is reset before it
// is reused; a session whose reset fails is closed instead.
//
// Releasing a session that is not currently leased fails without touching
// the pool.
func (p *Pool) Release(s graph.Session) error {
	if s == nil {
		return graph.NewError(graph.CodeBackend, "release session", "nil session")
	}

	p.mu.Lock()
	if _, ok := p.leased[s]; !ok {
		p.mu.Unlock()
		return graph.NewError(graph.CodeBackend, "release session", "session not leased")
	}
	delete(p.leased, s)
	closed := p.closed
	p.mu.Unlock()

	p.released.Add(1)
	defer func() { <-p.leases }()

	if closed {
		return s.Close()
	}

	if err := s.Reset(context.Background()); err != nil {
		p.logger.Warn("discarding session after failed reset", "error", err)
		return s.Close()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return s.Close()
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	return nil
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Acquired: p.acquired.Load(),
		Released: p.released.Load(),
		Open:     len(p.idle) + len(p.leased),
		Idle:     len(p.idle),
		Leased:   len(p.leased),
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes idle sessions and fails pending and future acquisitions.
// Sessions still leased are closed as they are released. Safe to call more
// than once; later calls return the first result.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		idle := p.idle
		p.idle = nil
		close(p.done)
		p.mu.Unlock()

		var errs []error
		for _, s := range idle {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.closeErr = errors.Join(errs...)
		p.logger.Debug("session pool closed", "closedIdle", len(idle))
	})
	return p.closeErr
}
