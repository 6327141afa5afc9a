package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncgraph/internal/graph"
	"github.com/roach88/asyncgraph/internal/opunit"
	"github.com/roach88/asyncgraph/internal/testutil"
)

func newPool(t *testing.T, g *testutil.MemGraph, cfg Config) *Pool {
	t.Helper()
	p, err := New(context.Background(), g, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNew_PreopensMinSessions(t *testing.T) {
	g := testutil.NewMemGraph()
	p := newPool(t, g, Config{MinSessions: 3, MaxSessions: 5})

	assert.Equal(t, int64(3), g.Opened())
	st := p.Stats()
	assert.Equal(t, 3, st.Idle)
	assert.Equal(t, 3, st.Open)
	assert.Zero(t, st.Leased)
}

func TestNew_RejectsMinAboveMax(t *testing.T) {
	_, err := New(context.Background(), testutil.NewMemGraph(), Config{MinSessions: 4, MaxSessions: 2})
	assert.Error(t, err)
}

func TestNew_FactoryFailureClosesOpened(t *testing.T) {
	g := testutil.NewMemGraph()
	g.FailSessions(errors.New("refused"))
	_, err := New(context.Background(), g, Config{MinSessions: 1, MaxSessions: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrBackend)
}

func TestAcquireRelease_ReusesSessions(t *testing.T) {
	ctx := context.Background()
	g := testutil.NewMemGraph()
	p := newPool(t, g, Config{MaxSessions: 2})

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(s1))

	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	require.NoError(t, p.Release(s2))

	assert.Equal(t, int64(1), g.Opened())
	assert.Equal(t, int64(2), g.Resets())
	st := p.Stats()
	assert.Equal(t, int64(2), st.Acquired)
	assert.Equal(t, int64(2), st.Released)
}

func TestRelease_ClearsBinding(t *testing.T) {
	ctx := context.Background()
	g := testutil.NewMemGraph()
	p := newPool(t, g, Config{MaxSessions: 1})

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	s.Bind(graph.Binding{Unit: opunit.New(1, 1), Seq: 1})
	require.NoError(t, p.Release(s))

	s, err = p.Acquire(ctx)
	require.NoError(t, err)
	_, err = s.AddVertex(ctx, "v", nil)
	require.NoError(t, err)
	require.NoError(t, p.Release(s))

	assert.Empty(t, g.Journal(), "write after release must not carry the old binding")
}

func TestRelease_Twice(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, testutil.NewMemGraph(), Config{MaxSessions: 1})

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(s))

	err = p.Release(s)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrBackend)
	assert.Contains(t, err.Error(), "session not leased")

	st := p.Stats()
	assert.Equal(t, int64(1), st.Released)
	assert.Equal(t, 1, st.Idle)
}

func TestRelease_DiscardsSessionOnResetFailure(t *testing.T) {
	ctx := context.Background()
	g := testutil.NewMemGraph()
	p := newPool(t, g, Config{MaxSessions: 1})

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	g.FailResets(errors.New("reset broken"))
	require.NoError(t, p.Release(s))

	assert.Equal(t, int64(1), g.Closed())
	assert.Zero(t, p.Stats().Open)

	g.FailResets(nil)
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
	require.NoError(t, p.Release(s2))
}

func TestAcquire_TimesOutWhenExhausted(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, testutil.NewMemGraph(), Config{MaxSessions: 1, AcquireTimeout: 20 * time.Millisecond})

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer func() { _ = p.Release(s) }()

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, graph.IsPoolExhausted(err))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAcquire_ContextDeadline(t *testing.T) {
	p := newPool(t, testutil.NewMemGraph(), Config{MaxSessions: 1})

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = p.Release(s) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.True(t, graph.IsTimeout(err))
}

func TestAcquire_ContextCancelled(t *testing.T) {
	p := newPool(t, testutil.NewMemGraph(), Config{MaxSessions: 1})

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = p.Release(s) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.True(t, graph.IsCanceled(err))
	assert.False(t, graph.IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquire_BlocksUntilRelease(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, testutil.NewMemGraph(), Config{MaxSessions: 1, AcquireTimeout: time.Second})

	s, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan graph.Session)
	go func() {
		s2, err := p.Acquire(ctx)
		if err != nil {
			close(got)
			return
		}
		got <- s2
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Release(s))

	s2, ok := <-got
	require.True(t, ok, "waiting acquire should succeed after release")
	require.NoError(t, p.Release(s2))
}

func TestPool_NeverExceedsMax(t *testing.T) {
	ctx := context.Background()
	g := testutil.NewMemGraph()
	const maxSessions = 3
	p := newPool(t, g, Config{MaxSessions: maxSessions, AcquireTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	var mu sync.Mutex
	peak := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			if l := p.Stats().Leased; l > peak {
				peak = l
			}
			mu.Unlock()
			_, _ = s.CountVertices(ctx)
			time.Sleep(time.Millisecond)
			assert.NoError(t, p.Release(s))
		}()
	}
	wg.Wait()

	st := p.Stats()
	assert.LessOrEqual(t, peak, maxSessions)
	assert.LessOrEqual(t, g.Opened(), int64(maxSessions))
	assert.Equal(t, st.Acquired, st.Released)
	assert.Zero(t, st.Leased)
	assert.Zero(t, g.Violations())
}

func TestClose_Idempotent(t *testing.T) {
	g := testutil.NewMemGraph()
	p, err := New(context.Background(), g, Config{MinSessions: 2, MaxSessions: 2})
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, int64(2), g.Closed())

	_, err = p.Acquire(context.Background())
	assert.True(t, graph.IsClosed(err))
}

func TestClose_LeasedSessionClosedOnRelease(t *testing.T) {
	g := testutil.NewMemGraph()
	p, err := New(context.Background(), g, Config{MaxSessions: 2})
	require.NoError(t, err)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.Zero(t, g.Closed())

	require.NoError(t, p.Release(s))
	assert.Equal(t, int64(1), g.Closed())
	assert.Zero(t, p.Stats().Open)
}

func TestClose_WakesWaiters(t *testing.T) {
	p, err := New(context.Background(), testutil.NewMemGraph(), Config{MaxSessions: 1})
	require.NoError(t, err)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errc:
		assert.True(t, graph.IsClosed(err))
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
	require.NoError(t, p.Release(s))
}
