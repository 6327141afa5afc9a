package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncgraph/internal/graph"
	"github.com/roach88/asyncgraph/internal/opunit"
)

func TestSession_AddGetVertex(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	v, err := sess.AddVertex(ctx, "alice", graph.Properties{"name": "Alice", "age": 30})
	require.NoError(t, err)
	assert.Equal(t, "alice", v.ID)
	assert.Equal(t, int64(1), v.Version)
	assert.Equal(t, int64(30), v.Properties["age"])

	got, err := sess.GetVertex(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestSession_AddVertexGeneratesID(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	a, err := sess.AddVertex(ctx, "", nil)
	require.NoError(t, err)
	b, err := sess.AddVertex(ctx, "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSession_AddVertexDuplicate(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	mustAddVertex(t, sess, "a", nil)
	_, err := sess.AddVertex(ctx, "a", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrBackend)
	assert.Contains(t, err.Error(), "already exists")
}

func TestSession_GetVertexNotFound(t *testing.T) {
	sess := createTestSession(t, createTestStore(t))

	_, err := sess.GetVertex(context.Background(), "ghost")
	assert.True(t, graph.IsNotFound(err))
}

func TestSession_AddEdgeBumpsVersions(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	a := mustAddVertex(t, sess, "a", nil)
	b := mustAddVertex(t, sess, "b", nil)

	e, err := sess.AddEdge(ctx, "e1", a, b, "knows")
	require.NoError(t, err)
	assert.Equal(t, "a", e.OutID)
	assert.Equal(t, "b", e.InID)
	assert.Equal(t, "knows", e.Label)

	a2, err := sess.Reload(ctx, a)
	require.NoError(t, err)
	b2, err := sess.Reload(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a2.Version)
	assert.Equal(t, int64(2), b2.Version)

	got, err := sess.GetEdge(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestSession_AddEdgeStaleEndpointConflicts(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	a := mustAddVertex(t, sess, "a", nil)
	b := mustAddVertex(t, sess, "b", nil)
	_, err := sess.AddEdge(ctx, "e1", a, b, "knows")
	require.NoError(t, err)

	// a and b are stale now.
	_, err = sess.AddEdge(ctx, "e2", a, b, "knows")
	require.Error(t, err)
	assert.True(t, graph.IsConflict(err), "got %v", err)

	// The failed attempt must leave nothing behind.
	_, err = sess.GetEdge(ctx, "e2")
	assert.True(t, graph.IsNotFound(err))
	a2, _ := sess.Reload(ctx, a)
	assert.Equal(t, int64(2), a2.Version, "rolled back bump")

	b2, _ := sess.Reload(ctx, b)
	_, err = sess.AddEdge(ctx, "e2", a2, b2, "knows")
	require.NoError(t, err)
}

func TestSession_AddEdgeSelfLoop(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	a := mustAddVertex(t, sess, "a", nil)
	_, err := sess.AddEdge(ctx, "loop", a, a, "self")
	require.NoError(t, err)

	a2, err := sess.Reload(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a2.Version)
}

func TestSession_AddEdgeMissingEndpoint(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	a := mustAddVertex(t, sess, "a", nil)
	_, err := sess.AddEdge(ctx, "", a, &graph.Vertex{ID: "ghost", Version: 1}, "x")
	assert.True(t, graph.IsNotFound(err))
}

func TestSession_ConcurrentEdgesOnSharedVertex(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	setup := createTestSession(t, s)
	hub := mustAddVertex(t, setup, "hub", nil)

	const writers = 4
	leaves := make([]*graph.Vertex, writers)
	for i := range leaves {
		leaves[i] = mustAddVertex(t, setup, string(rune('a'+i)), nil)
	}

	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := s.NewSession(ctx)
			if err != nil {
				results[i] = err
				return
			}
			defer sess.Close()
			_, results[i] = sess.AddEdge(ctx, "", hub, leaves[i], "spoke")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, graph.IsConflict(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded, "only one writer can hold the version it read")
}

func TestSession_RemoveVertexCascades(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	a := mustAddVertex(t, sess, "a", nil)
	b := mustAddVertex(t, sess, "b", nil)
	_, err := sess.AddEdge(ctx, "e", a, b, "x")
	require.NoError(t, err)

	require.NoError(t, sess.RemoveVertex(ctx, a))

	n, err := sess.CountEdges(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = sess.RemoveVertex(ctx, a)
	assert.True(t, graph.IsNotFound(err))
}

func TestSession_RemoveEdge(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	a := mustAddVertex(t, sess, "a", nil)
	b := mustAddVertex(t, sess, "b", nil)
	e, err := sess.AddEdge(ctx, "e", a, b, "x")
	require.NoError(t, err)

	require.NoError(t, sess.RemoveEdge(ctx, e))
	assert.True(t, graph.IsNotFound(sess.RemoveEdge(ctx, e)))
}

func TestSession_ListAndCount(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	for _, id := range []string{"c", "a", "b"} {
		mustAddVertex(t, sess, id, nil)
	}
	vs, err := sess.Vertices(ctx)
	require.NoError(t, err)
	require.Len(t, vs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{vs[0].ID, vs[1].ID, vs[2].ID})

	n, err := sess.CountVertices(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSession_EmptyResultsAreNotNil(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	vs, err := sess.Vertices(ctx)
	require.NoError(t, err)
	assert.NotNil(t, vs)
	assert.Empty(t, vs)

	byProp, err := sess.VerticesByProperty(ctx, "name", "nobody")
	require.NoError(t, err)
	assert.NotNil(t, byProp)

	es, err := sess.Edges(ctx)
	require.NoError(t, err)
	assert.NotNil(t, es)
	assert.Empty(t, es)

	idx, err := sess.Indices(ctx)
	require.NoError(t, err)
	assert.NotNil(t, idx)
}

func TestSession_VerticesByProperty(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	mustAddVertex(t, sess, "a", graph.Properties{"city": "Oslo", "age": 30, "admin": true})
	mustAddVertex(t, sess, "b", graph.Properties{"city": "Lima", "age": 41, "admin": false})
	mustAddVertex(t, sess, "c", graph.Properties{"city": "Oslo", "tags": []any{"x", "y"}})
	mustAddVertex(t, sess, "d", graph.Properties{"odd key": "v", "missing": nil})

	cases := []struct {
		key   string
		value any
		want  []string
	}{
		{"city", "Oslo", []string{"a", "c"}},
		{"age", 41, []string{"b"}},
		{"age", int64(30), []string{"a"}},
		{"admin", true, []string{"a"}},
		{"admin", false, []string{"b"}},
		{"tags", []any{"x", "y"}, []string{"c"}},
		{"odd key", "v", []string{"d"}},
		{"missing", nil, []string{"d"}},
		{"city", "Paris", nil},
	}
	for _, tc := range cases {
		vs, err := sess.VerticesByProperty(ctx, tc.key, tc.value)
		require.NoError(t, err, "%s=%v", tc.key, tc.value)
		var ids []string
		for _, v := range vs {
			ids = append(ids, v.ID)
		}
		assert.Equal(t, tc.want, ids, "%s=%v", tc.key, tc.value)
	}
}

func TestSession_EdgesByLabel(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))

	a := mustAddVertex(t, sess, "a", nil)
	b := mustAddVertex(t, sess, "b", nil)
	_, err := sess.AddEdge(ctx, "e1", a, b, "knows")
	require.NoError(t, err)
	a, _ = sess.Reload(ctx, a)
	b, _ = sess.Reload(ctx, b)
	_, err = sess.AddEdge(ctx, "e2", a, b, "likes")
	require.NoError(t, err)

	es, err := sess.EdgesByProperty(ctx, "label", "likes")
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, "e2", es[0].ID)

	all, err := sess.Edges(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSession_CommandQueryAndExec(t *testing.T) {
	ctx := context.Background()
	sess := createTestSession(t, createTestStore(t))
	mustAddVertex(t, sess, "a", graph.Properties{"n": 1})
	mustAddVertex(t, sess, "b", graph.Properties{"n": 2})

	res, err := sess.Command(ctx, "SELECT id FROM vertices ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"id": "a"}, {"id": "b"}}, res.Rows)

	res, err = sess.Command(ctx, "UPDATE vertices SET properties = '{}' WHERE id = ?", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	assert.Nil(t, res.Rows)

	_, err = sess.Command(ctx, "NOT SQL")
	assert.ErrorIs(t, err, graph.ErrBackend)
}

func TestSession_BoundWritesAreJournaled(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	sess := createTestSession(t, s)

	mustAddVertex(t, sess, "unbound", nil)

	unit := opunit.Generate()
	sess.Bind(graph.Binding{Unit: unit, Seq: 7, Actor: "tester"})
	mustAddVertex(t, sess, "bound", nil)
	require.NoError(t, sess.Reset(ctx))
	mustAddVertex(t, sess, "after-reset", nil)

	entries, err := s.ReadJournal(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, JournalEntry{Unit: unit, Seq: 7, Kind: KindAddVertex, ElementID: "bound", Actor: "tester"}, entries[0])
}

func TestSession_ConflictIsNotJournaled(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	sess := createTestSession(t, s)

	a := mustAddVertex(t, sess, "a", nil)
	b := mustAddVertex(t, sess, "b", nil)
	_, err := sess.AddEdge(ctx, "e1", a, b, "x")
	require.NoError(t, err)

	sess.Bind(graph.Binding{Unit: opunit.Generate(), Seq: 1})
	_, err = sess.AddEdge(ctx, "e2", a, b, "x")
	require.True(t, graph.IsConflict(err))

	n, err := s.JournalLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSession_ResetAfterCloseFails(t *testing.T) {
	s := createTestStore(t)
	sess, err := s.NewSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	assert.Error(t, sess.Reset(context.Background()))
}
