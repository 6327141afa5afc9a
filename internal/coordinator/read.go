package coordinator

import (
	"context"
	"errors"

	"github.com/roach88/asyncgraph/internal/graph"
)

// barrier waits until every mutation issued so far has completed.
func (c *Coordinator) barrier(ctx context.Context) error {
	return c.awaitBefore(ctx, c.seq.Current())
}

// awaitBefore waits until mutations 1..seq have completed, bounded by the
// barrier timeout.
func (c *Coordinator) awaitBefore(ctx context.Context, seq int64) error {
	if seq <= 0 || c.seq.Completed() >= seq {
		return nil
	}
	if c.barrierTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.barrierTimeout)
		defer cancel()
	}
	if err := c.seq.Wait(ctx, seq); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return graph.ContextError("barrier", err)
		}
		return &graph.Error{
			Code:    graph.CodeTimeout,
			Op:      "barrier",
			Message: "earlier mutations did not complete",
			Err:     err,
		}
	}
	return nil
}

// read runs fn on a leased session after the barrier.
func read[T any](c *Coordinator, ctx context.Context, op string, fn func(ctx context.Context, s graph.Session) (T, error)) (T, error) {
	var zero T
	if err := c.checkOpen(op); err != nil {
		return zero, err
	}
	if err := c.barrier(ctx); err != nil {
		return zero, err
	}
	return withSession(c, ctx, op, graph.Binding{}, fn)
}

// GetVertex returns the vertex with the given id.
func (c *Coordinator) GetVertex(ctx context.Context, id string) (*graph.Vertex, error) {
	return read(c, ctx, "get vertex", func(ctx context.Context, s graph.Session) (*graph.Vertex, error) {
		return s.GetVertex(ctx, id)
	})
}

// GetVertices returns every vertex.
func (c *Coordinator) GetVertices(ctx context.Context) ([]*graph.Vertex, error) {
	return read(c, ctx, "get vertices", func(ctx context.Context, s graph.Session) ([]*graph.Vertex, error) {
		return s.Vertices(ctx)
	})
}

// GetVerticesByProperty returns the vertices whose property key equals value.
func (c *Coordinator) GetVerticesByProperty(ctx context.Context, key string, value any) ([]*graph.Vertex, error) {
	return read(c, ctx, "get vertices", func(ctx context.Context, s graph.Session) ([]*graph.Vertex, error) {
		return s.VerticesByProperty(ctx, key, value)
	})
}

// GetEdge returns the edge with the given id.
func (c *Coordinator) GetEdge(ctx context.Context, id string) (*graph.Edge, error) {
	return read(c, ctx, "get edge", func(ctx context.Context, s graph.Session) (*graph.Edge, error) {
		return s.GetEdge(ctx, id)
	})
}

// GetEdges returns every edge.
func (c *Coordinator) GetEdges(ctx context.Context) ([]*graph.Edge, error) {
	return read(c, ctx, "get edges", func(ctx context.Context, s graph.Session) ([]*graph.Edge, error) {
		return s.Edges(ctx)
	})
}

// GetEdgesByProperty returns the edges whose property key equals value. The
// key "label" matches the edge label.
func (c *Coordinator) GetEdgesByProperty(ctx context.Context, key string, value any) ([]*graph.Edge, error) {
	return read(c, ctx, "get edges", func(ctx context.Context, s graph.Session) ([]*graph.Edge, error) {
		return s.EdgesByProperty(ctx, key, value)
	})
}

// CountVertices returns the number of vertices.
func (c *Coordinator) CountVertices(ctx context.Context) (int64, error) {
	return read(c, ctx, "count vertices", func(ctx context.Context, s graph.Session) (int64, error) {
		return s.CountVertices(ctx)
	})
}

// CountEdges returns the number of edges.
func (c *Coordinator) CountEdges(ctx context.Context) (int64, error) {
	return read(c, ctx, "count edges", func(ctx context.Context, s graph.Session) (int64, error) {
		return s.CountEdges(ctx)
	})
}

// GetIndex returns the named manual index on class, or CodeNotFound.
func (c *Coordinator) GetIndex(ctx context.Context, name string, class graph.ElementClass) (*graph.Index, error) {
	return read(c, ctx, "get index", func(ctx context.Context, s graph.Session) (*graph.Index, error) {
		return s.GetIndex(ctx, name, class)
	})
}

// GetIndices lists every manual index.
func (c *Coordinator) GetIndices(ctx context.Context) ([]*graph.Index, error) {
	return read(c, ctx, "get indices", func(ctx context.Context, s graph.Session) ([]*graph.Index, error) {
		return s.Indices(ctx)
	})
}

// GetIndexedKeys returns the property keys with a key index on class.
func (c *Coordinator) GetIndexedKeys(ctx context.Context, class graph.ElementClass) ([]string, error) {
	return read(c, ctx, "get indexed keys", func(ctx context.Context, s graph.Session) ([]string, error) {
		return s.IndexedKeys(ctx, class)
	})
}

// ddl runs an index operation on a leased session. Index changes are not
// sequenced and do not wait for pending mutations.
func ddl[T any](c *Coordinator, ctx context.Context, op string, fn func(ctx context.Context, s graph.Session) (T, error)) (T, error) {
	var zero T
	if err := c.checkOpen(op); err != nil {
		return zero, err
	}
	return withSession(c, ctx, op, graph.Binding{}, fn)
}

// CreateIndex creates a named manual index.
func (c *Coordinator) CreateIndex(ctx context.Context, name string, class graph.ElementClass, params ...graph.IndexParameter) (*graph.Index, error) {
	return ddl(c, ctx, "create index", func(ctx context.Context, s graph.Session) (*graph.Index, error) {
		return s.CreateIndex(ctx, name, class, params...)
	})
}

// DropIndex removes a named manual index.
func (c *Coordinator) DropIndex(ctx context.Context, name string) error {
	_, err := ddl(c, ctx, "drop index", func(ctx context.Context, s graph.Session) (struct{}, error) {
		return struct{}{}, s.DropIndex(ctx, name)
	})
	return err
}

// CreateKeyIndex indexes a property key for the given element class.
func (c *Coordinator) CreateKeyIndex(ctx context.Context, key string, class graph.ElementClass, params ...graph.IndexParameter) error {
	_, err := ddl(c, ctx, "create key index", func(ctx context.Context, s graph.Session) (struct{}, error) {
		return struct{}{}, s.CreateKeyIndex(ctx, key, class, params...)
	})
	return err
}

// DropKeyIndex removes a property key index.
func (c *Coordinator) DropKeyIndex(ctx context.Context, key string, class graph.ElementClass) error {
	_, err := ddl(c, ctx, "drop key index", func(ctx context.Context, s graph.Session) (struct{}, error) {
		return struct{}{}, s.DropKeyIndex(ctx, key, class)
	})
	return err
}

// Query is not supported and always fails with CodeUnsupported.
func (c *Coordinator) Query() (graph.Query, error) {
	return nil, graph.NewError(graph.CodeUnsupported, "query", "graph queries are not supported; use Execute")
}

// Execute waits for pending mutations, then calls fn with a leased session.
// The session is released on every exit path; a panic in fn is re-raised
// after the release.
func (c *Coordinator) Execute(ctx context.Context, fn func(ctx context.Context, s graph.Session) error) error {
	_, err := read(c, ctx, "execute", func(ctx context.Context, s graph.Session) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})
	return err
}
