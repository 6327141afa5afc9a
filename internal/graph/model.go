// Package graph defines the property-graph model shared by the coordinator
// and its backing engines, together with the Session capability interface
// the coordinator drives.
//
// This package contains types only; engines live in internal/store and
// internal/testutil, orchestration in internal/coordinator.
package graph

import (
	"maps"

	"github.com/roach88/asyncgraph/internal/opunit"
)

// Properties holds element properties. Values must be JSON-representable.
type Properties map[string]any

// Clone returns a shallow copy; nil stays nil.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Vertex is a snapshot of a vertex record.
//
// Version is the record version used for optimistic concurrency: every write
// touching the vertex (including edge creation) increments it. A Vertex value
// is never mutated after it is returned; reloading yields a new value.
type Vertex struct {
	ID         string     `json:"id"`
	Version    int64      `json:"version"`
	Properties Properties `json:"properties"`
}

// Edge is a snapshot of an edge record.
type Edge struct {
	ID         string     `json:"id"`
	OutID      string     `json:"out_id"`
	InID       string     `json:"in_id"`
	Label      string     `json:"label"`
	Version    int64      `json:"version"`
	Properties Properties `json:"properties"`
}

// ElementClass selects vertices or edges for index operations.
type ElementClass string

const (
	VertexClass ElementClass = "vertex"
	EdgeClass   ElementClass = "edge"
)

// Valid reports whether c is a known class.
func (c ElementClass) Valid() bool {
	return c == VertexClass || c == EdgeClass
}

// IndexParameter is an engine-specific option passed at index creation.
type IndexParameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Index describes a named manual index.
type Index struct {
	Name       string           `json:"name"`
	Class      ElementClass     `json:"class"`
	Parameters []IndexParameter `json:"parameters,omitempty"`
}

// CommandResult is the outcome of a raw engine command.
// Rows is set for statements that return rows; RowsAffected otherwise.
type CommandResult struct {
	RowsAffected int64            `json:"rows_affected"`
	Rows         []map[string]any `json:"rows,omitempty"`
}

// Binding ties a session to the mutation it is currently executing.
// Engines record it in their durability records; it is cleared on release.
type Binding struct {
	Unit  opunit.ID
	Seq   int64
	Actor string
}

// Credentials authenticate against the backing engine.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no credentials were supplied.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Features advertises what the coordinator and its engine support.
type Features struct {
	SupportsDuplicateEdges       bool `json:"supports_duplicate_edges"`
	SupportsSelfLoops            bool `json:"supports_self_loops"`
	IsPersistent                 bool `json:"is_persistent"`
	SupportsVertexIteration      bool `json:"supports_vertex_iteration"`
	SupportsEdgeIteration        bool `json:"supports_edge_iteration"`
	SupportsVertexIndex          bool `json:"supports_vertex_index"`
	SupportsEdgeIndex            bool `json:"supports_edge_index"`
	SupportsKeyIndices           bool `json:"supports_key_indices"`
	SupportsVertexKeyIndex       bool `json:"supports_vertex_key_index"`
	SupportsEdgeKeyIndex         bool `json:"supports_edge_key_index"`
	IgnoresSuppliedIDs           bool `json:"ignores_supplied_ids"`
	SupportsTransactions         bool `json:"supports_transactions"`
	SupportsThreadedTransactions bool `json:"supports_threaded_transactions"`
	SupportsVertexProperties     bool `json:"supports_vertex_properties"`
	SupportsEdgeProperties       bool `json:"supports_edge_properties"`
	SupportsQuery                bool `json:"supports_query"`
}
