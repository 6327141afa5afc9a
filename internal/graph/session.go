package graph

import "context"

// Session is a leased context on the backing engine.
//
// A session is owned by exactly one operation at a time and is never used
// concurrently. Lookups of missing elements fail with CodeNotFound; edge
// creation against a stale endpoint fails with CodeConflict.
type Session interface {
	// Bind attaches the mutation being executed; engines record it alongside writes.
	Bind(b Binding)

	// Reset clears any binding and per-operation state before the session is reused.
	Reset(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error

	AddVertex(ctx context.Context, id string, props Properties) (*Vertex, error)
	GetVertex(ctx context.Context, id string) (*Vertex, error)
	// Reload returns the latest stored version of v.
	Reload(ctx context.Context, v *Vertex) (*Vertex, error)
	RemoveVertex(ctx context.Context, v *Vertex) error
	Vertices(ctx context.Context) ([]*Vertex, error)
	VerticesByProperty(ctx context.Context, key string, value any) ([]*Vertex, error)
	CountVertices(ctx context.Context) (int64, error)

	// AddEdge creates an edge between out and in. Both endpoints must be at
	// the versions given; the engine bumps each endpoint's version on success.
	AddEdge(ctx context.Context, id string, out, in *Vertex, label string) (*Edge, error)
	GetEdge(ctx context.Context, id string) (*Edge, error)
	RemoveEdge(ctx context.Context, e *Edge) error
	Edges(ctx context.Context) ([]*Edge, error)
	EdgesByProperty(ctx context.Context, key string, value any) ([]*Edge, error)
	CountEdges(ctx context.Context) (int64, error)

	Command(ctx context.Context, statement string, args ...any) (CommandResult, error)

	CreateIndex(ctx context.Context, name string, class ElementClass, params ...IndexParameter) (*Index, error)
	GetIndex(ctx context.Context, name string, class ElementClass) (*Index, error)
	Indices(ctx context.Context) ([]*Index, error)
	DropIndex(ctx context.Context, name string) error
	CreateKeyIndex(ctx context.Context, key string, class ElementClass, params ...IndexParameter) error
	DropKeyIndex(ctx context.Context, key string, class ElementClass) error
	IndexedKeys(ctx context.Context, class ElementClass) ([]string, error)
}

// Query is a graph query builder. The coordinator does not support queries;
// the type exists so the rejection has a concrete signature.
type Query interface {
	Vertices(ctx context.Context) ([]*Vertex, error)
	Edges(ctx context.Context) ([]*Edge, error)
}
