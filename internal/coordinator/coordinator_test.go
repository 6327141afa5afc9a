package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncgraph/internal/deferred"
	"github.com/roach88/asyncgraph/internal/graph"
	"github.com/roach88/asyncgraph/internal/pool"
	"github.com/roach88/asyncgraph/internal/testutil"
)

// newTestCoordinator creates a coordinator over g and shuts it down when the
// test ends.
func newTestCoordinator(t *testing.T, g *testutil.MemGraph, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(context.Background(), g, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

// mustVertex returns a function that takes AddVertex's results and waits
// for the vertex, failing the test on any error.
func mustVertex(t *testing.T) func(*deferred.Handle[*graph.Vertex], error) *graph.Vertex {
	t.Helper()
	return func(h *deferred.Handle[*graph.Vertex], err error) *graph.Vertex {
		t.Helper()
		require.NoError(t, err)
		v, err := h.Get()
		require.NoError(t, err)
		return v
	}
}

func TestScenarioA_EdgeBetweenPendingVertices(t *testing.T) {
	g := testutil.NewMemGraph()
	g.SetLatency(5 * time.Millisecond)
	c := newTestCoordinator(t, g, WithWorkers(4))

	a, err := c.AddVertex("A", nil)
	require.NoError(t, err)
	b, err := c.AddVertex("B", nil)
	require.NoError(t, err)

	eh, err := c.AddEdge("", deferred.Pending(a), deferred.Pending(b), "knows")
	require.NoError(t, err)

	edge, err := eh.Get()
	require.NoError(t, err)
	assert.Equal(t, "A", edge.OutID)
	assert.Equal(t, "B", edge.InID)
	assert.Equal(t, "knows", edge.Label)

	// Both endpoints were bumped by the edge.
	va, err := c.GetVertex(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2), va.Version)
}

func TestScenarioB_ConcurrentAddVertexCount(t *testing.T) {
	g := testutil.NewMemGraph()
	c := newTestCoordinator(t, g, WithWorkers(8))

	const n = 1000
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.AddVertex("", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("submit failed: %v", err)
	}

	count, err := c.CountVertices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n), count)

	stats := c.Stats()
	assert.Equal(t, int64(n), stats.Issued)
	assert.Equal(t, int64(n), stats.Completed)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, g.Violations())
}

func TestScenarioC_QueryUnsupported(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph())

	q, err := c.Query()
	assert.Nil(t, q)
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrUnsupported))
	assert.False(t, errors.Is(err, graph.ErrBackend))
}

func TestScenarioD_DoubleShutdown(t *testing.T) {
	g := testutil.NewMemGraph()
	hookCalls := 0
	c, err := New(context.Background(), g,
		WithPoolConfig(pool.Config{MinSessions: 2, MaxSessions: 4}),
		WithOnClose(func() error { hookCalls++; return nil }),
	)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := c.AddVertex(fmt.Sprintf("v%d", i), nil)
		require.NoError(t, err)
	}

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())

	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, g.Opened(), g.Closed(), "every session closed exactly once")
	assert.Equal(t, 10, g.VertexCount(), "queued mutations drained before close")
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph())
	require.NoError(t, c.Shutdown())

	_, err := c.AddVertex("a", nil)
	assert.True(t, graph.IsClosed(err))

	_, err = c.AddEdge("", deferred.Resolved(&graph.Vertex{ID: "a"}), deferred.Resolved(&graph.Vertex{ID: "b"}), "x")
	assert.True(t, graph.IsClosed(err))

	_, err = c.Command(context.Background(), "noop")
	assert.True(t, graph.IsClosed(err))

	_, err = c.CountVertices(context.Background())
	assert.True(t, graph.IsClosed(err))

	err = c.CreateKeyIndex(context.Background(), "name", graph.VertexClass)
	assert.True(t, graph.IsClosed(err))

	err = c.Execute(context.Background(), func(ctx context.Context, s graph.Session) error { return nil })
	assert.True(t, graph.IsClosed(err))
}

func TestShutdown_JoinsHookErrors(t *testing.T) {
	boom := errors.New("boom")
	c, err := New(context.Background(), testutil.NewMemGraph(), WithOnClose(func() error { return boom }))
	require.NoError(t, err)

	err = c.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, c.Shutdown(), boom, "later calls report the first result")
}

func TestNew_InvalidPoolConfig(t *testing.T) {
	_, err := New(context.Background(), testutil.NewMemGraph(),
		WithPoolConfig(pool.Config{MinSessions: 5, MaxSessions: 2}))
	require.Error(t, err)
}

func TestReadAfterWrite(t *testing.T) {
	g := testutil.NewMemGraph()
	g.SetLatency(2 * time.Millisecond)
	c := newTestCoordinator(t, g, WithWorkers(4))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("v%d", i)
		_, err := c.AddVertex(id, graph.Properties{"n": i})
		require.NoError(t, err)

		v, err := c.GetVertex(ctx, id)
		require.NoError(t, err, "write %s not visible to the next read", id)
		assert.Equal(t, id, v.ID)
	}
}

func TestMutationsBindSessions(t *testing.T) {
	g := testutil.NewMemGraph()
	units := testutil.NewSequentialUnits(7)
	c := newTestCoordinator(t, g, WithWorkers(1), WithActor("tester"), WithUnitGenerator(units.Next))

	a := mustVertex(t)(c.AddVertex("a", nil))
	b := mustVertex(t)(c.AddVertex("b", nil))
	eh, err := c.AddEdge("e", deferred.Resolved(a), deferred.Resolved(b), "knows")
	require.NoError(t, err)
	e, err := eh.Get()
	require.NoError(t, err)
	rh, err := c.RemoveEdge(e)
	require.NoError(t, err)
	_, err = rh.Get()
	require.NoError(t, err)

	journal := g.Journal()
	require.Len(t, journal, 4)
	wantKinds := []string{"add_vertex", "add_vertex", "add_edge", "remove_edge"}
	for i, entry := range journal {
		assert.Equal(t, wantKinds[i], entry.Kind)
		assert.Equal(t, int64(i+1), entry.Binding.Seq)
		assert.Equal(t, uint64(7), entry.Binding.Unit.High())
		assert.Equal(t, uint64(i+1), entry.Binding.Unit.Low())
		assert.Equal(t, "tester", entry.Binding.Actor)
	}
}

func TestReadsAreUnbound(t *testing.T) {
	g := testutil.NewMemGraph()
	c := newTestCoordinator(t, g, WithPoolConfig(pool.Config{MaxSessions: 1}))
	ctx := context.Background()

	mustVertex(t)(c.AddVertex("a", nil))

	// The single session was bound for the write; a later write through
	// Execute must not inherit that binding.
	err := c.Execute(ctx, func(ctx context.Context, s graph.Session) error {
		_, err := s.AddVertex(ctx, "b", nil)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, g.Journal(), 1)
}

func TestResourceSafety(t *testing.T) {
	g := testutil.NewMemGraph()
	c, err := New(context.Background(), g,
		WithWorkers(8),
		WithPoolConfig(pool.Config{MaxSessions: 3}),
	)
	require.NoError(t, err)

	var handles []*deferred.Handle[*graph.Vertex]
	for i := 0; i < 200; i++ {
		// Every tenth id repeats, so some mutations fail.
		id := fmt.Sprintf("v%d", i)
		if i%10 == 9 {
			id = fmt.Sprintf("v%d", i-1)
		}
		h, err := c.AddVertex(id, nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	failed := 0
	for _, h := range handles {
		if _, err := h.Get(); err != nil {
			failed++
		}
	}
	assert.Equal(t, 20, failed)

	stats := c.Stats()
	assert.Zero(t, stats.Sessions.Leased)
	assert.LessOrEqual(t, stats.Sessions.Open, 3)
	assert.Equal(t, stats.Sessions.Acquired, stats.Sessions.Released)
	assert.Zero(t, g.Violations())

	require.NoError(t, c.Shutdown())
	assert.Equal(t, g.Opened(), g.Closed())
}

func TestStats(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph(), WithWorkers(2))

	mustVertex(t)(c.AddVertex("a", nil))
	_, err := c.CountVertices(context.Background())
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Issued)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, 2, stats.Workers)
	assert.Zero(t, stats.Queued)
}

func TestFeatures_QueryAlwaysOff(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph())
	assert.False(t, c.Features().SupportsQuery)
	assert.Nil(t, c.Store())
}
