package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncgraph/internal/graph"
	"github.com/roach88/asyncgraph/internal/opunit"
)

func TestMemGraph_EdgeBumpsEndpointVersions(t *testing.T) {
	ctx := context.Background()
	g := NewMemGraph()
	s, err := g.NewSession(ctx)
	require.NoError(t, err)

	a, err := s.AddVertex(ctx, "a", nil)
	require.NoError(t, err)
	b, err := s.AddVertex(ctx, "b", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Version)

	_, err = s.AddEdge(ctx, "e1", a, b, "knows")
	require.NoError(t, err)

	// a and b are now stale.
	_, err = s.AddEdge(ctx, "e2", a, b, "knows")
	assert.True(t, graph.IsConflict(err))

	a, err = s.Reload(ctx, a)
	require.NoError(t, err)
	b, err = s.Reload(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Version)

	_, err = s.AddEdge(ctx, "e2", a, b, "knows")
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.ReloadCalls())
}

func TestMemGraph_InjectedConflicts(t *testing.T) {
	ctx := context.Background()
	g := NewMemGraph()
	s, _ := g.NewSession(ctx)
	a, _ := s.AddVertex(ctx, "a", nil)

	g.InjectConflicts(2)
	for i := 0; i < 2; i++ {
		_, err := s.AddEdge(ctx, "", a, a, "self")
		assert.True(t, graph.IsConflict(err))
	}
	e, err := s.AddEdge(ctx, "", a, a, "self")
	require.NoError(t, err)
	assert.Equal(t, "a", e.OutID)

	a, _ = s.Reload(ctx, a)
	assert.Equal(t, int64(2), a.Version, "self loop bumps once")
}

func TestMemGraph_RemoveVertexCascades(t *testing.T) {
	ctx := context.Background()
	g := NewMemGraph()
	s, _ := g.NewSession(ctx)
	a, _ := s.AddVertex(ctx, "a", nil)
	b, _ := s.AddVertex(ctx, "b", nil)
	_, err := s.AddEdge(ctx, "e", a, b, "x")
	require.NoError(t, err)

	require.NoError(t, s.RemoveVertex(ctx, a))
	n, _ := s.CountEdges(ctx)
	assert.Zero(t, n)

	err = s.RemoveVertex(ctx, a)
	assert.True(t, graph.IsNotFound(err))
}

func TestMemGraph_PropertyLookup(t *testing.T) {
	ctx := context.Background()
	g := NewMemGraph()
	s, _ := g.NewSession(ctx)
	_, _ = s.AddVertex(ctx, "a", graph.Properties{"age": 30})
	_, _ = s.AddVertex(ctx, "b", graph.Properties{"age": int64(40)})

	got, err := s.VerticesByProperty(ctx, "age", int64(30))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestMemGraph_JournalRecordsBoundWrites(t *testing.T) {
	ctx := context.Background()
	g := NewMemGraph()
	s, _ := g.NewSession(ctx)

	_, _ = s.AddVertex(ctx, "unbound", nil)
	unit := opunit.New(0, 1)
	s.Bind(graph.Binding{Unit: unit, Seq: 1, Actor: "test"})
	_, _ = s.AddVertex(ctx, "bound", nil)
	require.NoError(t, s.Reset(ctx))
	_, _ = s.AddVertex(ctx, "after-reset", nil)

	j := g.Journal()
	require.Len(t, j, 1)
	assert.Equal(t, unit, j[0].Binding.Unit)
	assert.Equal(t, "bound", j[0].ElementID)
}

func TestMemGraph_ClosedSessionFails(t *testing.T) {
	ctx := context.Background()
	g := NewMemGraph()
	s, _ := g.NewSession(ctx)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.CountVertices(ctx)
	assert.Error(t, err)
	assert.Equal(t, int64(1), g.Closed())
}
