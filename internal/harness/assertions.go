package harness

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/asyncgraph/internal/coordinator"
	"github.com/roach88/asyncgraph/internal/graph"
)

// AssertionContext provides what assertions read from.
type AssertionContext struct {
	Coordinator *coordinator.Coordinator

	// Journal returns the kind of every journal record in order.
	Journal func(ctx context.Context) ([]string, error)

	Ctx context.Context
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", event.Step, event.Op, event.ID, event.Status)
		}
	}

	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertVertexCount:
		return expectCount(a.Type, result.Vertices, a.Count, result.Trace)
	case AssertEdgeCount:
		return expectCount(a.Type, result.Edges, a.Count, result.Trace)
	case AssertVertexExists:
		return assertVertexExists(a, actx)
	case AssertVertexAbsent:
		return assertVertexAbsent(a, actx)
	case AssertEdgeExists:
		return assertEdgeExists(a, actx)
	case AssertLookupCount:
		return assertLookupCount(a, actx)
	case AssertJournalCount:
		return assertJournalCount(a, actx)
	case AssertIndexedKeys:
		return assertIndexedKeys(a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func expectCount(typ string, got int64, want int, trace []TraceEvent) error {
	if got == int64(want) {
		return nil
	}
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("%d", want),
		Actual:   fmt.Sprintf("%d", got),
		Trace:    trace,
	}
}

func assertVertexExists(a Assertion, actx *AssertionContext) error {
	v, err := actx.Coordinator.GetVertex(actx.Ctx, a.ID)
	if err != nil {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("vertex %q", a.ID),
			Actual:   err.Error(),
		}
	}
	if a.Version != 0 && v.Version != a.Version {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("vertex %q at version %d", a.ID, a.Version),
			Actual:   fmt.Sprintf("version %d", v.Version),
		}
	}
	if !matchProperties(v.Properties, a.Properties) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("vertex %q with properties %v", a.ID, a.Properties),
			Actual:   fmt.Sprintf("properties %v", v.Properties),
		}
	}
	return nil
}

func assertVertexAbsent(a Assertion, actx *AssertionContext) error {
	_, err := actx.Coordinator.GetVertex(actx.Ctx, a.ID)
	if graph.IsNotFound(err) {
		return nil
	}
	actual := "vertex exists"
	if err != nil {
		actual = err.Error()
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("vertex %q not found", a.ID),
		Actual:   actual,
	}
}

func assertEdgeExists(a Assertion, actx *AssertionContext) error {
	if a.ID != "" {
		e, err := actx.Coordinator.GetEdge(actx.Ctx, a.ID)
		if err != nil {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("edge %q", a.ID),
				Actual:   err.Error(),
			}
		}
		if !edgeMatches(e, a) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("edge %q %s -[%s]-> %s", a.ID, a.Out, a.Label, a.In),
				Actual:   fmt.Sprintf("%s -[%s]-> %s", e.OutID, e.Label, e.InID),
			}
		}
		return nil
	}

	edges, err := actx.Coordinator.GetEdges(actx.Ctx)
	if err != nil {
		return err
	}
	if slices.ContainsFunc(edges, func(e *graph.Edge) bool { return edgeMatches(e, a) }) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("edge %s -[%s]-> %s", a.Out, a.Label, a.In),
		Actual:   fmt.Sprintf("not found among %d edges", len(edges)),
	}
}

func edgeMatches(e *graph.Edge, a Assertion) bool {
	if a.Out != "" && e.OutID != a.Out {
		return false
	}
	if a.In != "" && e.InID != a.In {
		return false
	}
	if a.Label != "" && e.Label != a.Label {
		return false
	}
	return matchProperties(e.Properties, a.Properties)
}

func assertLookupCount(a Assertion, actx *AssertionContext) error {
	var n int
	switch graph.ElementClass(a.Class) {
	case graph.VertexClass:
		vs, err := actx.Coordinator.GetVerticesByProperty(actx.Ctx, a.Key, a.Value)
		if err != nil {
			return err
		}
		n = len(vs)
	default:
		es, err := actx.Coordinator.GetEdgesByProperty(actx.Ctx, a.Key, a.Value)
		if err != nil {
			return err
		}
		n = len(es)
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%d %s(s) with %s=%v", a.Count, a.Class, a.Key, a.Value),
		Actual:   fmt.Sprintf("%d", n),
	}
}

func assertJournalCount(a Assertion, actx *AssertionContext) error {
	kinds, err := actx.Journal(actx.Ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, k := range kinds {
		if a.Kind == "" || k == a.Kind {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	what := "journal records"
	if a.Kind != "" {
		what = a.Kind + " journal records"
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%d %s", a.Count, what),
		Actual:   fmt.Sprintf("%d", n),
	}
}

func assertIndexedKeys(a Assertion, actx *AssertionContext) error {
	keys, err := actx.Coordinator.GetIndexedKeys(actx.Ctx, graph.ElementClass(a.Class))
	if err != nil {
		return err
	}
	want := slices.Clone(a.Keys)
	slices.Sort(want)
	got := slices.Clone(keys)
	slices.Sort(got)
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%v", want),
		Actual:   fmt.Sprintf("%v", got),
	}
}

// matchProperties reports whether every expected property is present in
// actual with an equal value (subset match). Numbers compare by value, so
// YAML ints match stored int64s.
func matchProperties(actual graph.Properties, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if fa, ok := asFloat(av); ok {
		fb, ok := asFloat(bv)
		return ok && fa == fb
	}
	switch av.Kind() {
	case reflect.Slice:
		if bv.Kind() != reflect.Slice || av.Len() != bv.Len() {
			return false
		}
		for i := 0; i < av.Len(); i++ {
			if !valuesEqual(av.Index(i).Interface(), bv.Index(i).Interface()) {
				return false
			}
		}
		return true
	case reflect.Map:
		if bv.Kind() != reflect.Map || av.Len() != bv.Len() {
			return false
		}
		for _, key := range av.MapKeys() {
			other := bv.MapIndex(key)
			if !other.IsValid() || !valuesEqual(av.MapIndex(key).Interface(), other.Interface()) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}
