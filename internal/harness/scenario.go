package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/asyncgraph/internal/graph"
)

// Scenario defines a graph workload and what must hold once it completes.
type Scenario struct {
	// Name uniquely identifies this scenario; golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Engine selects the backing engine: "sqlite" (default, a temporary
	// database file) or "memory".
	Engine string `yaml:"engine,omitempty"`

	// Workers, MaxSessions and MaxConflictAttempts tune the coordinator.
	// Zero keeps the coordinator default.
	Workers             int `yaml:"workers,omitempty"`
	MaxSessions         int `yaml:"max_sessions,omitempty"`
	MaxConflictAttempts int `yaml:"max_conflict_attempts,omitempty"`

	// InjectConflicts makes the next N edge writes conflict regardless of
	// versions. Memory engine only.
	InjectConflicts int `yaml:"inject_conflicts,omitempty"`

	// Steps are submitted in order. Mutations run asynchronously; a step
	// that targets an earlier ref waits for it.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final graph and journal.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation in a scenario.
//
// With Count > 1 the step is repeated; "{i}" in ID, Ref, Out and In is
// replaced by the 1-based repetition number.
type Step struct {
	Op    string `yaml:"op"`
	Count int    `yaml:"count,omitempty"`

	// ID is the element id; empty lets the harness generate one.
	ID string `yaml:"id,omitempty"`

	// Ref names the step's result so later steps can refer to it.
	Ref string `yaml:"ref,omitempty"`

	Properties map[string]any `yaml:"properties,omitempty"`

	// Out, In and Label describe an edge. Out and In name vertex refs.
	Out   string `yaml:"out,omitempty"`
	In    string `yaml:"in,omitempty"`
	Label string `yaml:"label,omitempty"`

	// Target names the ref (or element id) a remove step deletes.
	Target string `yaml:"target,omitempty"`

	// Statement is the raw engine statement for a command step.
	Statement string `yaml:"statement,omitempty"`

	// Name, Key and Class describe index steps.
	Name  string `yaml:"name,omitempty"`
	Key   string `yaml:"key,omitempty"`
	Class string `yaml:"class,omitempty"`

	// Expect overrides the default expectation that the step succeeds.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected step outcome.
type Expect struct {
	// Error is the expected error code (e.g. CONCURRENCY_CONFLICT).
	Error string `yaml:"error,omitempty"`

	// Failed is the expected number of failed repetitions when Error is set
	// on a counted step. Zero means all of them.
	Failed int `yaml:"failed,omitempty"`
}

// Step operation constants.
const (
	OpAddVertex      = "add_vertex"
	OpAddEdge        = "add_edge"
	OpRemoveVertex   = "remove_vertex"
	OpRemoveEdge     = "remove_edge"
	OpCommand        = "command"
	OpWait           = "wait"
	OpCreateIndex    = "create_index"
	OpDropIndex      = "drop_index"
	OpCreateKeyIndex = "create_key_index"
	OpDropKeyIndex   = "drop_key_index"
)

// Assertion validates the final graph state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "vertex_count" / "edge_count": exact element count
	// - "vertex_exists": vertex ID exists with Properties (subset) and Version
	// - "vertex_absent": vertex ID does not exist
	// - "edge_exists": edge ID exists, or an edge Out -> In with Label
	// - "lookup_count": Count elements of Class have property Key == Value
	// - "journal_count": Count journal records, optionally of Kind
	// - "indexed_keys": the key indices of Class are exactly Keys
	Type string `yaml:"type"`

	ID         string         `yaml:"id,omitempty"`
	Out        string         `yaml:"out,omitempty"`
	In         string         `yaml:"in,omitempty"`
	Label      string         `yaml:"label,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
	Version    int64          `yaml:"version,omitempty"`
	Class      string         `yaml:"class,omitempty"`
	Key        string         `yaml:"key,omitempty"`
	Value      any            `yaml:"value,omitempty"`
	Kind       string         `yaml:"kind,omitempty"`
	Keys       []string       `yaml:"keys,omitempty"`
	Count      int            `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertVertexCount  = "vertex_count"
	AssertEdgeCount    = "edge_count"
	AssertVertexExists = "vertex_exists"
	AssertVertexAbsent = "vertex_absent"
	AssertEdgeExists   = "edge_exists"
	AssertLookupCount  = "lookup_count"
	AssertJournalCount = "journal_count"
	AssertIndexedKeys  = "indexed_keys"
)

// Engine names.
const (
	EngineSQLite = "sqlite"
	EngineMemory = "memory"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch s.Engine {
	case "", EngineSQLite:
		if s.InjectConflicts > 0 {
			return fmt.Errorf("inject_conflicts requires the memory engine")
		}
	case EngineMemory:
	default:
		return fmt.Errorf("unknown engine %q", s.Engine)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}

	return nil
}

func validateStep(step Step) error {
	if step.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	repeated := step.Count > 1

	switch step.Op {
	case OpAddVertex:
	case OpAddEdge:
		if step.Out == "" || step.In == "" {
			return fmt.Errorf("add_edge requires out and in")
		}
		if step.Label == "" {
			return fmt.Errorf("add_edge requires label")
		}
	case OpRemoveVertex, OpRemoveEdge:
		if step.Target == "" {
			return fmt.Errorf("%s requires target", step.Op)
		}
		if repeated {
			return fmt.Errorf("%s does not support count", step.Op)
		}
	case OpCommand:
		if step.Statement == "" {
			return fmt.Errorf("command requires statement")
		}
	case OpWait:
	case OpCreateIndex, OpDropIndex:
		if step.Name == "" {
			return fmt.Errorf("%s requires name", step.Op)
		}
		if step.Op == OpCreateIndex && !graph.ElementClass(step.Class).Valid() {
			return fmt.Errorf("invalid class %q", step.Class)
		}
	case OpCreateKeyIndex, OpDropKeyIndex:
		if step.Key == "" {
			return fmt.Errorf("%s requires key", step.Op)
		}
		if !graph.ElementClass(step.Class).Valid() {
			return fmt.Errorf("invalid class %q", step.Class)
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	if repeated {
		for field, v := range map[string]string{"id": step.ID, "ref": step.Ref} {
			if v != "" && !strings.Contains(v, "{i}") {
				return fmt.Errorf("%s %q must contain {i} when count > 1", field, v)
			}
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertVertexCount, AssertEdgeCount, AssertJournalCount:
	case AssertVertexExists, AssertVertexAbsent:
		if a.ID == "" {
			return fmt.Errorf("%s requires id", a.Type)
		}
	case AssertEdgeExists:
		if a.ID == "" && (a.Out == "" || a.In == "") {
			return fmt.Errorf("edge_exists requires id or out and in")
		}
	case AssertLookupCount:
		if a.Key == "" {
			return fmt.Errorf("lookup_count requires key")
		}
		if !graph.ElementClass(a.Class).Valid() {
			return fmt.Errorf("invalid class %q", a.Class)
		}
	case AssertIndexedKeys:
		if !graph.ElementClass(a.Class).Valid() {
			return fmt.Errorf("invalid class %q", a.Class)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// expand replaces "{i}" with the repetition number.
func expand(s string, i int) string {
	if s == "" {
		return s
	}
	return strings.ReplaceAll(s, "{i}", fmt.Sprint(i))
}
