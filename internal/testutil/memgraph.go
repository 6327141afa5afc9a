package testutil

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/asyncgraph/internal/graph"
)

// JournalEntry records one bound mutation applied to a MemGraph.
type JournalEntry struct {
	Binding   graph.Binding
	Kind      string
	ElementID string
}

// MemGraph is an in-memory graph engine for coordinator and pool tests.
//
// It enforces the same optimistic-concurrency rules as the SQLite store:
// vertices start at version 1, and edge creation fails with CodeConflict
// when either endpoint is stale, bumping both endpoints on success.
//
// Thread-safety: all methods are safe for concurrent use. Each session
// detects concurrent use of itself and counts it in Violations.
type MemGraph struct {
	mu         sync.Mutex
	vertices   map[string]*graph.Vertex
	edges      map[string]*graph.Edge
	indices    map[string]*graph.Index
	keyIndices map[graph.ElementClass]map[string]struct{}
	journal    []JournalEntry
	commands   []string

	conflicts  int
	resetErr   error
	sessionErr error
	latency    time.Duration
	ids        *SequentialIDs

	// CommandFunc, if set, serves Command calls. The default records the
	// statement and reports zero rows affected.
	CommandFunc func(stmt string, args []any) (graph.CommandResult, error)

	opened       atomic.Int64
	closed       atomic.Int64
	resets       atomic.Int64
	addEdgeCalls atomic.Int64
	reloadCalls  atomic.Int64
	violations   atomic.Int64
}

// NewMemGraph creates an empty in-memory graph.
func NewMemGraph() *MemGraph {
	return &MemGraph{
		vertices: make(map[string]*graph.Vertex),
		edges:    make(map[string]*graph.Edge),
		indices:  make(map[string]*graph.Index),
		keyIndices: map[graph.ElementClass]map[string]struct{}{
			graph.VertexClass: {},
			graph.EdgeClass:   {},
		},
		ids: NewSequentialIDs("mem"),
	}
}

// NewSession opens a session. Implements pool.Factory.
func (g *MemGraph) NewSession(ctx context.Context) (graph.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	err := g.sessionErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	g.opened.Add(1)
	return &memSession{g: g}, nil
}

// InjectConflicts makes the next n edge creations fail with CodeConflict
// regardless of endpoint versions.
func (g *MemGraph) InjectConflicts(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conflicts = n
}

// FailResets makes every session Reset return err. Nil restores success.
func (g *MemGraph) FailResets(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetErr = err
}

// FailSessions makes NewSession return err. Nil restores success.
func (g *MemGraph) FailSessions(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionErr = err
}

// SetLatency delays every write by d, widening race windows in tests.
func (g *MemGraph) SetLatency(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latency = d
}

// BumpVertex increments a vertex version out of band, simulating a
// concurrent writer. Returns false if the vertex does not exist.
func (g *MemGraph) BumpVertex(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vertices[id]
	if ok {
		v.Version++
	}
	return ok
}

// Opened returns the number of sessions ever opened.
func (g *MemGraph) Opened() int64 { return g.opened.Load() }

// Closed returns the number of sessions closed.
func (g *MemGraph) Closed() int64 { return g.closed.Load() }

// Resets returns the number of successful session resets.
func (g *MemGraph) Resets() int64 { return g.resets.Load() }

// AddEdgeCalls returns the number of edge creation attempts.
func (g *MemGraph) AddEdgeCalls() int64 { return g.addEdgeCalls.Load() }

// ReloadCalls returns the number of vertex reloads.
func (g *MemGraph) ReloadCalls() int64 { return g.reloadCalls.Load() }

// Violations returns how often a session was used by two goroutines at once.
func (g *MemGraph) Violations() int64 { return g.violations.Load() }

// Journal returns a copy of the recorded bound mutations in apply order.
func (g *MemGraph) Journal() []JournalEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.journal)
}

// Commands returns the statements passed to Command.
func (g *MemGraph) Commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.commands)
}

// VertexCount returns the number of vertices without going through a session.
func (g *MemGraph) VertexCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.vertices)
}

func (g *MemGraph) delay() {
	g.mu.Lock()
	d := g.latency
	g.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// recordLocked appends a journal entry for bound sessions. Must hold g.mu.
func (g *MemGraph) recordLocked(b graph.Binding, kind, id string) {
	if b.Unit.IsZero() {
		return
	}
	g.journal = append(g.journal, JournalEntry{Binding: b, Kind: kind, ElementID: id})
}

type memSession struct {
	g       *MemGraph
	binding graph.Binding
	closed  atomic.Bool
	busy    atomic.Bool
}

// enter marks the session busy for the duration of one call.
func (s *memSession) enter(op string) (func(), error) {
	if s.closed.Load() {
		return nil, graph.NewError(graph.CodeBackend, op, "session closed")
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.g.violations.Add(1)
		return func() {}, nil
	}
	return func() { s.busy.Store(false) }, nil
}

func (s *memSession) Bind(b graph.Binding) {
	s.binding = b
}

func (s *memSession) Reset(ctx context.Context) error {
	s.g.mu.Lock()
	err := s.g.resetErr
	s.g.mu.Unlock()
	if err != nil {
		return err
	}
	s.binding = graph.Binding{}
	s.g.resets.Add(1)
	return nil
}

func (s *memSession) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.g.closed.Add(1)
	}
	return nil
}

func (s *memSession) AddVertex(ctx context.Context, id string, props graph.Properties) (*graph.Vertex, error) {
	leave, err := s.enter("add vertex")
	if err != nil {
		return nil, err
	}
	defer leave()
	s.g.delay()

	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()

	if id == "" {
		id = g.ids.Next()
	}
	if _, exists := g.vertices[id]; exists {
		return nil, graph.NewError(graph.CodeBackend, "add vertex", "vertex %q already exists", id)
	}
	v := &graph.Vertex{ID: id, Version: 1, Properties: props.Clone()}
	g.vertices[id] = v
	g.recordLocked(s.binding, "add_vertex", id)
	return copyVertex(v), nil
}

func (s *memSession) GetVertex(ctx context.Context, id string) (*graph.Vertex, error) {
	leave, err := s.enter("get vertex")
	if err != nil {
		return nil, err
	}
	defer leave()

	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	v, ok := s.g.vertices[id]
	if !ok {
		return nil, graph.NewError(graph.CodeNotFound, "get vertex", "vertex %q", id)
	}
	return copyVertex(v), nil
}

func (s *memSession) Reload(ctx context.Context, v *graph.Vertex) (*graph.Vertex, error) {
	if v == nil {
		return nil, graph.NewError(graph.CodeNotFound, "reload vertex", "nil vertex")
	}
	s.g.reloadCalls.Add(1)
	return s.GetVertex(ctx, v.ID)
}

func (s *memSession) RemoveVertex(ctx context.Context, v *graph.Vertex) error {
	leave, err := s.enter("remove vertex")
	if err != nil {
		return err
	}
	defer leave()
	s.g.delay()

	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.vertices[v.ID]; !ok {
		return graph.NewError(graph.CodeNotFound, "remove vertex", "vertex %q", v.ID)
	}
	delete(g.vertices, v.ID)
	for id, e := range g.edges {
		if e.OutID == v.ID || e.InID == v.ID {
			delete(g.edges, id)
		}
	}
	g.recordLocked(s.binding, "remove_vertex", v.ID)
	return nil
}

func (s *memSession) Vertices(ctx context.Context) ([]*graph.Vertex, error) {
	return s.VerticesByProperty(ctx, "", nil)
}

func (s *memSession) VerticesByProperty(ctx context.Context, key string, value any) ([]*graph.Vertex, error) {
	leave, err := s.enter("get vertices")
	if err != nil {
		return nil, err
	}
	defer leave()

	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	out := make([]*graph.Vertex, 0, len(s.g.vertices))
	for _, v := range s.g.vertices {
		if key != "" && !propertyEquals(v.Properties[key], value) {
			continue
		}
		out = append(out, copyVertex(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memSession) CountVertices(ctx context.Context) (int64, error) {
	leave, err := s.enter("count vertices")
	if err != nil {
		return 0, err
	}
	defer leave()

	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	return int64(len(s.g.vertices)), nil
}

func (s *memSession) AddEdge(ctx context.Context, id string, out, in *graph.Vertex, label string) (*graph.Edge, error) {
	leave, err := s.enter("add edge")
	if err != nil {
		return nil, err
	}
	defer leave()
	s.g.addEdgeCalls.Add(1)
	s.g.delay()

	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()

	if out == nil || in == nil {
		return nil, graph.NewError(graph.CodeNotFound, "add edge", "missing endpoint")
	}
	storedOut, ok := g.vertices[out.ID]
	if !ok {
		return nil, graph.NewError(graph.CodeNotFound, "add edge", "out vertex %q", out.ID)
	}
	storedIn, ok := g.vertices[in.ID]
	if !ok {
		return nil, graph.NewError(graph.CodeNotFound, "add edge", "in vertex %q", in.ID)
	}
	if g.conflicts > 0 {
		g.conflicts--
		return nil, graph.NewError(graph.CodeConflict, "add edge", "injected conflict")
	}
	if storedOut.Version != out.Version || storedIn.Version != in.Version {
		return nil, graph.NewError(graph.CodeConflict, "add edge",
			"endpoint versions changed (out %d->%d, in %d->%d)",
			out.Version, storedOut.Version, in.Version, storedIn.Version)
	}
	if id == "" {
		id = g.ids.Next()
	}
	if _, exists := g.edges[id]; exists {
		return nil, graph.NewError(graph.CodeBackend, "add edge", "edge %q already exists", id)
	}

	storedOut.Version++
	if storedIn != storedOut {
		storedIn.Version++
	}
	e := &graph.Edge{ID: id, OutID: out.ID, InID: in.ID, Label: label, Version: 1}
	g.edges[id] = e
	g.recordLocked(s.binding, "add_edge", id)
	return copyEdge(e), nil
}

func (s *memSession) GetEdge(ctx context.Context, id string) (*graph.Edge, error) {
	leave, err := s.enter("get edge")
	if err != nil {
		return nil, err
	}
	defer leave()

	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	e, ok := s.g.edges[id]
	if !ok {
		return nil, graph.NewError(graph.CodeNotFound, "get edge", "edge %q", id)
	}
	return copyEdge(e), nil
}

func (s *memSession) RemoveEdge(ctx context.Context, e *graph.Edge) error {
	leave, err := s.enter("remove edge")
	if err != nil {
		return err
	}
	defer leave()
	s.g.delay()

	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[e.ID]; !ok {
		return graph.NewError(graph.CodeNotFound, "remove edge", "edge %q", e.ID)
	}
	delete(g.edges, e.ID)
	g.recordLocked(s.binding, "remove_edge", e.ID)
	return nil
}

func (s *memSession) Edges(ctx context.Context) ([]*graph.Edge, error) {
	return s.EdgesByProperty(ctx, "", nil)
}

func (s *memSession) EdgesByProperty(ctx context.Context, key string, value any) ([]*graph.Edge, error) {
	leave, err := s.enter("get edges")
	if err != nil {
		return nil, err
	}
	defer leave()

	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	out := make([]*graph.Edge, 0, len(s.g.edges))
	for _, e := range s.g.edges {
		if key != "" {
			got := e.Properties[key]
			if key == "label" {
				got = e.Label
			}
			if !propertyEquals(got, value) {
				continue
			}
		}
		out = append(out, copyEdge(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memSession) CountEdges(ctx context.Context) (int64, error) {
	leave, err := s.enter("count edges")
	if err != nil {
		return 0, err
	}
	defer leave()

	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	return int64(len(s.g.edges)), nil
}

func (s *memSession) Command(ctx context.Context, stmt string, args ...any) (graph.CommandResult, error) {
	leave, err := s.enter("command")
	if err != nil {
		return graph.CommandResult{}, err
	}
	defer leave()

	g := s.g
	g.mu.Lock()
	g.commands = append(g.commands, stmt)
	fn := g.CommandFunc
	g.recordLocked(s.binding, "command", "")
	g.mu.Unlock()

	if fn != nil {
		return fn(stmt, args)
	}
	return graph.CommandResult{}, nil
}

func (s *memSession) CreateIndex(ctx context.Context, name string, class graph.ElementClass, params ...graph.IndexParameter) (*graph.Index, error) {
	if !class.Valid() {
		return nil, graph.NewError(graph.CodeBackend, "create index", "invalid class %q", class)
	}
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	if _, exists := s.g.indices[name]; exists {
		return nil, graph.NewError(graph.CodeBackend, "create index", "index %q already exists", name)
	}
	idx := &graph.Index{Name: name, Class: class, Parameters: slices.Clone(params)}
	s.g.indices[name] = idx
	cp := *idx
	return &cp, nil
}

func (s *memSession) GetIndex(ctx context.Context, name string, class graph.ElementClass) (*graph.Index, error) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	idx, ok := s.g.indices[name]
	if !ok || idx.Class != class {
		return nil, graph.NewError(graph.CodeNotFound, "get index", "%s index %q", class, name)
	}
	cp := *idx
	return &cp, nil
}

func (s *memSession) Indices(ctx context.Context) ([]*graph.Index, error) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	out := make([]*graph.Index, 0, len(s.g.indices))
	for _, idx := range s.g.indices {
		cp := *idx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memSession) DropIndex(ctx context.Context, name string) error {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	if _, ok := s.g.indices[name]; !ok {
		return graph.NewError(graph.CodeNotFound, "drop index", "index %q", name)
	}
	delete(s.g.indices, name)
	return nil
}

func (s *memSession) CreateKeyIndex(ctx context.Context, key string, class graph.ElementClass, params ...graph.IndexParameter) error {
	if !class.Valid() {
		return graph.NewError(graph.CodeBackend, "create key index", "invalid class %q", class)
	}
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	s.g.keyIndices[class][key] = struct{}{}
	return nil
}

func (s *memSession) DropKeyIndex(ctx context.Context, key string, class graph.ElementClass) error {
	if !class.Valid() {
		return graph.NewError(graph.CodeBackend, "drop key index", "invalid class %q", class)
	}
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	if _, ok := s.g.keyIndices[class][key]; !ok {
		return graph.NewError(graph.CodeNotFound, "drop key index", "%s key index %q", class, key)
	}
	delete(s.g.keyIndices[class], key)
	return nil
}

func (s *memSession) IndexedKeys(ctx context.Context, class graph.ElementClass) ([]string, error) {
	if !class.Valid() {
		return nil, graph.NewError(graph.CodeBackend, "indexed keys", "invalid class %q", class)
	}
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	keys := make([]string, 0, len(s.g.keyIndices[class]))
	for k := range s.g.keyIndices[class] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func copyVertex(v *graph.Vertex) *graph.Vertex {
	return &graph.Vertex{ID: v.ID, Version: v.Version, Properties: v.Properties.Clone()}
}

func copyEdge(e *graph.Edge) *graph.Edge {
	cp := *e
	cp.Properties = e.Properties.Clone()
	return &cp
}

// propertyEquals compares property values, treating all numeric kinds as equal
// when they hold the same number.
func propertyEquals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if isNumeric(av.Kind()) && isNumeric(bv.Kind()) {
		return fmt.Sprint(toFloat(av)) == fmt.Sprint(toFloat(bv))
	}
	return reflect.DeepEqual(a, b)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func toFloat(v reflect.Value) float64 {
	switch {
	case v.CanInt():
		return float64(v.Int())
	case v.CanUint():
		return float64(v.Uint())
	default:
		return v.Float()
	}
}
