// Package harness runs graph workloads described in YAML against a fresh
// coordinator and checks the outcome.
//
// # Scenario Format
//
//	name: hub_edges
//	description: "Concurrent edges on one hub vertex all land"
//	engine: sqlite            # or memory
//	workers: 8
//	steps:
//	  - op: add_vertex
//	    id: hub
//	    ref: hub
//	  - op: add_vertex
//	    count: 10
//	    id: "leaf-{i}"
//	    ref: "leaf-{i}"
//	  - op: add_edge
//	    count: 10
//	    out: hub
//	    in: "leaf-{i}"
//	    label: spoke
//	assertions:
//	  - type: edge_count
//	    count: 10
//	  - type: vertex_exists
//	    id: hub
//	    version: 11
//
// Steps are submitted in order without waiting, so mutations run
// concurrently on the coordinator's workers. add_edge endpoints name
// earlier refs and are passed as pending references. Remove steps wait for
// their target ref first. A step is expected to succeed unless it carries
// expect.error with an error code.
//
// # Assertion Types
//
//   - vertex_count, edge_count: exact final counts
//   - vertex_exists: id exists, with optional properties (subset) and version
//   - vertex_absent: id does not exist
//   - edge_exists: by id, or by out/in/label
//   - lookup_count: number of elements whose property key equals value
//   - journal_count: number of journal records, optionally of one kind
//   - indexed_keys: the exact set of key indices for a class
//
// # Deterministic Testing
//
// Element IDs come from a sequential generator ("id-1", "id-2", ...) and
// operation units from a sequential unit source, both advanced at
// submission time. The trace lists steps in submission order and records
// per-step status rather than completion order, so it is identical across
// runs and suitable for golden comparison.
package harness
