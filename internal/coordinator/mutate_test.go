package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncgraph/internal/deferred"
	"github.com/roach88/asyncgraph/internal/graph"
	"github.com/roach88/asyncgraph/internal/pool"
	"github.com/roach88/asyncgraph/internal/retry"
	"github.com/roach88/asyncgraph/internal/testutil"
)

func addPair(t *testing.T, c *Coordinator) (*graph.Vertex, *graph.Vertex) {
	t.Helper()
	a := mustVertex(t)(c.AddVertex("a", nil))
	b := mustVertex(t)(c.AddVertex("b", nil))
	return a, b
}

func TestAddEdge_RetriesOnConflict(t *testing.T) {
	g := testutil.NewMemGraph()
	c := newTestCoordinator(t, g)
	a, b := addPair(t, c)

	g.InjectConflicts(3)
	eh, err := c.AddEdge("e1", deferred.Resolved(a), deferred.Resolved(b), "knows")
	require.NoError(t, err)

	e, err := eh.Get()
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, int64(4), g.AddEdgeCalls())
	assert.Equal(t, int64(6), g.ReloadCalls(), "both endpoints reloaded per conflict")
}

func TestAddEdge_StaleEndpointReloaded(t *testing.T) {
	g := testutil.NewMemGraph()
	c := newTestCoordinator(t, g)
	a, b := addPair(t, c)

	require.True(t, g.BumpVertex("a"))
	eh, err := c.AddEdge("", deferred.Resolved(a), deferred.Resolved(b), "knows")
	require.NoError(t, err)

	_, err = eh.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.AddEdgeCalls())

	fresh, err := c.GetVertex(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), fresh.Version, "out-of-band bump plus the edge")
}

func TestAddEdge_ExhaustsAfterMaxAttempts(t *testing.T) {
	g := testutil.NewMemGraph()
	c := newTestCoordinator(t, g)
	a, b := addPair(t, c)

	g.InjectConflicts(1000)
	eh, err := c.AddEdge("", deferred.Resolved(a), deferred.Resolved(b), "knows")
	require.NoError(t, err)

	_, err = eh.Get()
	require.Error(t, err)
	assert.True(t, graph.IsConflict(err))
	assert.Equal(t, int64(retry.DefaultMaxAttempts), g.AddEdgeCalls())
	assert.Equal(t, int64(2*(retry.DefaultMaxAttempts-1)), g.ReloadCalls())

	count, err := c.CountEdges(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	stats := c.Stats().Sessions
	assert.Equal(t, stats.Acquired, stats.Released)
	assert.Zero(t, stats.Leased)
	assert.Zero(t, c.Stats().Pending)
}

func TestAddEdge_WithMaxConflictAttempts(t *testing.T) {
	g := testutil.NewMemGraph()
	c := newTestCoordinator(t, g, WithMaxConflictAttempts(3))
	a, b := addPair(t, c)

	g.InjectConflicts(1000)
	eh, err := c.AddEdge("", deferred.Resolved(a), deferred.Resolved(b), "knows")
	require.NoError(t, err)

	_, err = eh.Get()
	assert.True(t, graph.IsConflict(err))
	assert.Equal(t, int64(3), g.AddEdgeCalls())
}

func TestAddEdge_ConcurrentHubEdges(t *testing.T) {
	g := testutil.NewMemGraph()
	g.SetLatency(time.Millisecond)
	c := newTestCoordinator(t, g, WithWorkers(8), WithPoolConfig(pool.Config{MaxSessions: 8}))

	hub := mustVertex(t)(c.AddVertex("hub", nil))
	var handles []*deferred.Handle[*graph.Edge]
	for i := 0; i < 16; i++ {
		leaf, err := c.AddVertex("", nil)
		require.NoError(t, err)
		eh, err := c.AddEdge("", deferred.Resolved(hub), deferred.Pending(leaf), "spoke")
		require.NoError(t, err)
		handles = append(handles, eh)
	}

	for _, h := range handles {
		_, err := h.Get()
		require.NoError(t, err)
	}

	count, err := c.CountEdges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(16), count)

	fresh, err := c.GetVertex(context.Background(), "hub")
	require.NoError(t, err)
	assert.Equal(t, int64(17), fresh.Version)
	assert.Zero(t, g.Violations())
}

func TestAddEdge_FailedEndpointFailsEdge(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph())

	mustVertex(t)(c.AddVertex("a", nil))
	dup, err := c.AddVertex("a", nil)
	require.NoError(t, err)

	eh, err := c.AddEdge("", deferred.Pending(dup), deferred.Pending(dup), "self")
	require.NoError(t, err)

	_, err = eh.Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve out vertex")
	assert.Equal(t, graph.CodeBackend, graph.CodeOf(err))
}

func TestAddEdge_EmptyRef(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph())

	eh, err := c.AddEdge("", deferred.Ref[*graph.Vertex]{}, deferred.Resolved(&graph.Vertex{ID: "b"}), "x")
	require.NoError(t, err)

	_, err = eh.Get()
	assert.Error(t, err)
}

func TestAddEdge_OperationTimeout(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph(), WithOperationTimeout(20*time.Millisecond))

	never := deferred.New[*graph.Vertex]()
	eh, err := c.AddEdge("", deferred.Pending(never), deferred.Resolved(&graph.Vertex{ID: "b"}), "x")
	require.NoError(t, err)

	_, err = eh.Get()
	require.Error(t, err)
	assert.True(t, graph.IsTimeout(err))

	// The failed mutation still completes its sequence number.
	_, err = c.CountVertices(context.Background())
	require.NoError(t, err)
}

func TestRemoveVertex_RemovesIncidentEdges(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph())
	ctx := context.Background()
	a, b := addPair(t, c)

	_, err := c.AddEdge("", deferred.Resolved(a), deferred.Resolved(b), "knows")
	require.NoError(t, err)

	fresh, err := c.GetVertex(ctx, "a")
	require.NoError(t, err)
	rh, err := c.RemoveVertex(fresh)
	require.NoError(t, err)
	_, err = rh.Get()
	require.NoError(t, err)

	vertices, err := c.CountVertices(ctx)
	require.NoError(t, err)
	edges, err := c.CountEdges(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), vertices)
	assert.Zero(t, edges)
}

func TestRemove_NilArguments(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph())

	_, err := c.RemoveVertex(nil)
	assert.True(t, graph.IsNotFound(err))
	_, err = c.RemoveEdge(nil)
	assert.True(t, graph.IsNotFound(err))
	assert.Zero(t, c.Stats().Issued, "rejected calls take no sequence number")
}

func TestRemoveEdge_Missing(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph())

	rh, err := c.RemoveEdge(&graph.Edge{ID: "ghost"})
	require.NoError(t, err)
	_, err = rh.Get()
	assert.True(t, graph.IsNotFound(err))
}

func TestIDGenerator(t *testing.T) {
	ids := testutil.NewSequentialIDs("v")
	c := newTestCoordinator(t, testutil.NewMemGraph(), WithIDGenerator(ids.Next))

	v := mustVertex(t)(c.AddVertex("", nil))
	assert.Equal(t, "v-1", v.ID)

	named := mustVertex(t)(c.AddVertex("given", nil))
	assert.Equal(t, "given", named.ID)
}

func TestAddVertex_CopiesProperties(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewMemGraph())

	props := graph.Properties{"name": "alice"}
	h, err := c.AddVertex("a", props)
	require.NoError(t, err)
	props["name"] = "mallory"

	v, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, "alice", v.Properties["name"])
}

func TestCommand_WaitsForEarlierMutations(t *testing.T) {
	g := testutil.NewMemGraph()
	g.SetLatency(5 * time.Millisecond)

	var seen atomic.Int64
	g.CommandFunc = func(stmt string, args []any) (graph.CommandResult, error) {
		seen.Store(int64(g.VertexCount()))
		return graph.CommandResult{RowsAffected: 1}, nil
	}
	c := newTestCoordinator(t, g, WithWorkers(4))

	for i := 0; i < 5; i++ {
		_, err := c.AddVertex("", nil)
		require.NoError(t, err)
	}

	h, err := c.Command(context.Background(), "UPDATE vertices SET version = version")
	require.NoError(t, err)
	require.True(t, h.IsDone(), "command handle is complete on return")

	res, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	assert.Equal(t, int64(5), seen.Load())
	assert.Equal(t, []string{"UPDATE vertices SET version = version"}, g.Commands())

	journal := g.Journal()
	require.NotEmpty(t, journal)
	last := journal[len(journal)-1]
	assert.Equal(t, "command", last.Kind)
	assert.Equal(t, int64(6), last.Binding.Seq)
}

func TestCommand_FailureCarriedByHandle(t *testing.T) {
	g := testutil.NewMemGraph()
	boom := errors.New("syntax error")
	g.CommandFunc = func(string, []any) (graph.CommandResult, error) {
		return graph.CommandResult{}, boom
	}
	c := newTestCoordinator(t, g)

	h, err := c.Command(context.Background(), "SELEKT")
	require.NoError(t, err)
	assert.ErrorIs(t, h.Err(), boom)

	// The sequence number was completed, so reads do not stall.
	_, err = c.CountVertices(context.Background())
	require.NoError(t, err)
}
