// Package coordinator runs graph mutations asynchronously against a pooled
// graph engine.
//
// Mutations are numbered by a sequencer and queued on a worker pool; the
// caller gets a deferred handle back immediately. Reads first wait for every
// mutation issued before them (the barrier), so a read always observes the
// caller's earlier writes.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - a session is owned by exactly one operation between Acquire and Release
//   - no state is tied to the calling goroutine
//
// Edge creation bumps both endpoint versions. When another writer got there
// first the engine reports a conflict; the coordinator reloads both
// endpoints and retries up to the configured attempt bound.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/asyncgraph/internal/config"
	"github.com/roach88/asyncgraph/internal/graph"
	"github.com/roach88/asyncgraph/internal/opunit"
	"github.com/roach88/asyncgraph/internal/pool"
	"github.com/roach88/asyncgraph/internal/retry"
	"github.com/roach88/asyncgraph/internal/sequencer"
	"github.com/roach88/asyncgraph/internal/store"
	"github.com/roach88/asyncgraph/internal/workers"
)

// DefaultBarrierTimeout bounds how long a read waits for earlier mutations.
const DefaultBarrierTimeout = 30 * time.Second

// DefaultActor is recorded with mutations when WithActor is not given.
const DefaultActor = "asyncgraph"

// Coordinator accepts graph mutations and reads and runs them against a
// session pool.
type Coordinator struct {
	sessions *pool.Pool
	workers  *workers.Pool
	seq      *sequencer.Sequencer
	store    *store.Store // set by Open only

	logger         *slog.Logger
	workerCount    int
	poolCfg        pool.Config
	maxAttempts    int
	barrierTimeout time.Duration
	opTimeout      time.Duration
	actor          string
	newID          func() string
	newUnit        func() opunit.ID
	onClose        []func() error
	features       graph.Features

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used by the coordinator and its pools.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithWorkers sets the worker count. Zero or less uses runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		c.workerCount = n
	}
}

// WithPoolConfig sets the session pool bounds.
func WithPoolConfig(cfg pool.Config) Option {
	return func(c *Coordinator) {
		c.poolCfg = cfg
	}
}

// WithMaxConflictAttempts bounds edge creation attempts, counting the first.
//
// Default: 20 (retry.DefaultMaxAttempts)
func WithMaxConflictAttempts(n int) Option {
	return func(c *Coordinator) {
		c.maxAttempts = n
	}
}

// WithBarrierTimeout bounds how long reads wait for earlier mutations.
// Zero waits until the caller's context ends.
func WithBarrierTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.barrierTimeout = d
	}
}

// WithOperationTimeout bounds each queued mutation, including the time it
// spends resolving endpoints and acquiring a session. Zero means unbounded.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.opTimeout = d
	}
}

// WithActor names who performs the mutations; engines record it in their
// journal.
func WithActor(actor string) Option {
	return func(c *Coordinator) {
		if actor != "" {
			c.actor = actor
		}
	}
}

// WithOnClose registers fn to run at the end of Shutdown, after the session
// pool is closed. Hooks run in registration order.
func WithOnClose(fn func() error) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.onClose = append(c.onClose, fn)
		}
	}
}

// WithIDGenerator supplies element ids for AddVertex and AddEdge calls that
// pass an empty id. Without it the engine generates them.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		c.newID = fn
	}
}

// WithUnitGenerator supplies the operation unit id for each mutation.
//
// Default: opunit.Generate
func WithUnitGenerator(fn func() opunit.ID) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newUnit = fn
		}
	}
}

func defaults() *Coordinator {
	return &Coordinator{
		seq:            sequencer.New(),
		logger:         slog.Default(),
		poolCfg:        pool.Config{MaxSessions: pool.DefaultMaxSessions, AcquireTimeout: pool.DefaultAcquireTimeout},
		maxAttempts:    retry.DefaultMaxAttempts,
		barrierTimeout: DefaultBarrierTimeout,
		actor:          DefaultActor,
		newUnit:        opunit.Generate,
	}
}

// New creates a Coordinator over any engine that can open sessions.
//
// If factory also reports graph.Features, those flags are advertised by
// Features (with query support switched off).
func New(ctx context.Context, factory pool.Factory, opts ...Option) (*Coordinator, error) {
	c := defaults()
	for _, opt := range opts {
		opt(c)
	}
	return c.start(ctx, factory)
}

// Open creates a Coordinator backed by a SQLite store at cfg.URL.
//
// Settings from cfg are applied first; opts override them. The store is
// closed by Shutdown.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := defaults()
	for _, opt := range configOptions(cfg) {
		opt(c)
	}
	for _, opt := range opts {
		opt(c)
	}

	// One connection beyond the session pool keeps store-level reads
	// (journal inspection) from waiting on leased sessions.
	st, err := store.Open(cfg.URL,
		store.WithMaxConns(c.poolCfg.MaxSessions+1),
		store.WithCredentials(graph.Credentials{Username: cfg.Username, Password: cfg.Password}),
		store.WithLogger(c.logger),
	)
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "open", err)
	}
	c.store = st
	c.onClose = append(c.onClose, st.Close)

	co, err := c.start(ctx, st)
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	return co, nil
}

func configOptions(cfg config.Config) []Option {
	return []Option{
		WithWorkers(cfg.Workers),
		WithPoolConfig(pool.Config{
			MinSessions:    cfg.Pool.MinSessions,
			MaxSessions:    cfg.Pool.MaxSessions,
			AcquireTimeout: cfg.Pool.AcquireTimeout.Std(),
		}),
		WithMaxConflictAttempts(cfg.MaxConflictAttempts),
		WithBarrierTimeout(cfg.BarrierTimeout.Std()),
		WithOperationTimeout(cfg.OperationTimeout.Std()),
		WithActor(cfg.Actor),
	}
}

func (c *Coordinator) start(ctx context.Context, factory pool.Factory) (*Coordinator, error) {
	sessions, err := pool.New(ctx, factory, c.poolCfg, pool.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	c.sessions = sessions
	c.poolCfg = sessions.Config()
	c.workers = workers.New(c.workerCount, workers.WithLogger(c.logger))
	c.workerCount = c.workers.Size()

	if fr, ok := factory.(interface{ Features() graph.Features }); ok {
		c.features = fr.Features()
	}
	c.features.SupportsQuery = false

	c.logger.Info("coordinator started",
		"workers", c.workerCount,
		"maxSessions", c.poolCfg.MaxSessions,
		"maxConflictAttempts", c.maxAttempts,
	)
	return c, nil
}

// Store returns the SQLite store when the coordinator was created by Open,
// nil otherwise.
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// Features reports the engine's capability flags. Query support is always
// off.
func (c *Coordinator) Features() graph.Features {
	return c.features
}

// Stats is a point-in-time view of coordinator progress.
type Stats struct {
	Issued    int64      `json:"issued"`
	Completed int64      `json:"completed"`
	Pending   int64      `json:"pending"`
	Queued    int        `json:"queued"`
	Workers   int        `json:"workers"`
	Sessions  pool.Stats `json:"sessions"`
}

// Stats returns current sequencing, queue and pool counters.
func (c *Coordinator) Stats() Stats {
	issued := c.seq.Current()
	completed := c.seq.Completed()
	return Stats{
		Issued:    issued,
		Completed: completed,
		Pending:   issued - completed,
		Queued:    c.workers.Queued(),
		Workers:   c.workerCount,
		Sessions:  c.sessions.Stats(),
	}
}

// Shutdown stops accepting work, drains queued mutations, closes the session
// pool and then runs close hooks. It is safe to call more than once; later
// calls return the first call's result.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.closed.Store(true)
		c.workers.Close()

		var errs []error
		if err := c.sessions.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, fn := range c.onClose {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
		c.shutdownErr = errors.Join(errs...)

		c.logger.Info("coordinator shut down",
			"issued", c.seq.Current(),
			"completed", c.seq.Completed(),
		)
	})
	return c.shutdownErr
}

func (c *Coordinator) checkOpen(op string) error {
	if c.closed.Load() {
		return graph.NewError(graph.CodeClosed, op, "coordinator is shut down")
	}
	return nil
}
