package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/asyncgraph/internal/config"
	"github.com/roach88/asyncgraph/internal/coordinator"
	"github.com/roach88/asyncgraph/internal/deferred"
	"github.com/roach88/asyncgraph/internal/graph"
	"github.com/roach88/asyncgraph/internal/pool"
	"github.com/roach88/asyncgraph/internal/testutil"
)

// Harness executes one scenario against a fresh coordinator.
//
// Element IDs and operation units come from sequential generators, so the
// same scenario produces the same trace on every run.
type Harness struct {
	coord  *coordinator.Coordinator
	mem    *testutil.MemGraph // set for the memory engine
	logger *slog.Logger

	vertices map[string]*deferred.Handle[*graph.Vertex]
	edges    map[string]*deferred.Handle[*graph.Edge]
	runs     []*stepRun
}

// stepRun tracks the mutations submitted for one step.
type stepRun struct {
	step   Step
	seq    int
	waits  []func() (string, error)
	result any
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh engine for isolation: a temporary
// SQLite file, or an in-memory graph.
//
// Execution flow:
// 1. Create the engine and coordinator
// 2. Submit steps in order
// 3. Wait for every mutation and record the trace
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller context for blocking reads.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := &Harness{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		vertices: make(map[string]*deferred.Handle[*graph.Vertex]),
		edges:    make(map[string]*deferred.Handle[*graph.Edge]),
	}

	opts := []coordinator.Option{
		coordinator.WithLogger(h.logger),
		coordinator.WithIDGenerator(testutil.NewSequentialIDs("").Next),
		coordinator.WithUnitGenerator(testutil.NewSequentialUnits(0).Next),
		coordinator.WithActor("harness"),
	}
	if scenario.Workers > 0 {
		opts = append(opts, coordinator.WithWorkers(scenario.Workers))
	}
	if scenario.MaxConflictAttempts > 0 {
		opts = append(opts, coordinator.WithMaxConflictAttempts(scenario.MaxConflictAttempts))
	}
	poolCfg := pool.Config{MaxSessions: pool.DefaultMaxSessions, AcquireTimeout: pool.DefaultAcquireTimeout}
	if scenario.MaxSessions > 0 {
		poolCfg.MaxSessions = scenario.MaxSessions
	}
	opts = append(opts, coordinator.WithPoolConfig(poolCfg))

	switch scenario.Engine {
	case EngineMemory:
		h.mem = testutil.NewMemGraph()
		h.mem.InjectConflicts(scenario.InjectConflicts)
		c, err := coordinator.New(ctx, h.mem, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create coordinator: %w", err)
		}
		h.coord = c
	default:
		dir, err := os.MkdirTemp("", "asyncgraph-scenario-")
		if err != nil {
			return nil, fmt.Errorf("failed to create scenario directory: %w", err)
		}
		defer os.RemoveAll(dir)

		cfg := config.Default()
		cfg.URL = filepath.Join(dir, "graph.db")
		cfg.Pool.MaxSessions = poolCfg.MaxSessions
		c, err := coordinator.Open(ctx, cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open coordinator: %w", err)
		}
		h.coord = c
	}
	defer func() {
		if err := h.coord.Shutdown(); err != nil {
			h.logger.Error("shutdown failed", "error", err)
		}
	}()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.submit(ctx, i+1, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}

	for _, run := range h.runs {
		ev, mismatch := run.finish()
		result.AddTrace(ev)
		if mismatch != "" {
			result.AddError(mismatch)
		}
	}

	var err error
	if result.Vertices, err = h.coord.CountVertices(ctx); err != nil {
		return nil, fmt.Errorf("failed to count vertices: %w", err)
	}
	if result.Edges, err = h.coord.CountEdges(ctx); err != nil {
		return nil, fmt.Errorf("failed to count edges: %w", err)
	}

	actx := &AssertionContext{
		Coordinator: h.coord,
		Journal:     h.journalKinds,
		Ctx:         ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// submit runs or queues one step. Errors returned here are harness errors
// (unknown refs); operation failures are recorded on the step.
func (h *Harness) submit(ctx context.Context, seq int, step Step) error {
	run := &stepRun{step: step, seq: seq}
	h.runs = append(h.runs, run)

	n := step.Count
	if n < 1 {
		n = 1
	}

	switch step.Op {
	case OpAddVertex:
		for i := 1; i <= n; i++ {
			handle, err := h.coord.AddVertex(expand(step.ID, i), graph.Properties(step.Properties))
			if err != nil {
				run.fail(err)
				continue
			}
			if ref := expand(step.Ref, i); ref != "" {
				h.vertices[ref] = handle
			}
			run.waits = append(run.waits, func() (string, error) {
				v, err := handle.Get()
				if err != nil {
					return "", err
				}
				return v.ID, nil
			})
		}

	case OpAddEdge:
		for i := 1; i <= n; i++ {
			out, err := h.vertexRef(expand(step.Out, i))
			if err != nil {
				return err
			}
			in, err := h.vertexRef(expand(step.In, i))
			if err != nil {
				return err
			}
			handle, err := h.coord.AddEdge(expand(step.ID, i), out, in, step.Label)
			if err != nil {
				run.fail(err)
				continue
			}
			if ref := expand(step.Ref, i); ref != "" {
				h.edges[ref] = handle
			}
			run.waits = append(run.waits, func() (string, error) {
				e, err := handle.Get()
				if err != nil {
					return "", err
				}
				return e.ID, nil
			})
		}

	case OpRemoveVertex:
		v, err := h.vertexTarget(step.Target)
		if err != nil {
			run.fail(err)
			return nil
		}
		handle, err := h.coord.RemoveVertex(v)
		if err != nil {
			run.fail(err)
			return nil
		}
		run.waits = append(run.waits, func() (string, error) {
			_, err := handle.Get()
			return v.ID, err
		})

	case OpRemoveEdge:
		e, err := h.edgeTarget(step.Target)
		if err != nil {
			run.fail(err)
			return nil
		}
		handle, err := h.coord.RemoveEdge(e)
		if err != nil {
			run.fail(err)
			return nil
		}
		run.waits = append(run.waits, func() (string, error) {
			_, err := handle.Get()
			return e.ID, err
		})

	case OpCommand:
		handle, err := h.coord.Command(ctx, step.Statement)
		if err != nil {
			run.fail(err)
			return nil
		}
		res, err := handle.Get()
		if err == nil {
			if res.Rows != nil {
				run.result = map[string]any{"rows": len(res.Rows)}
			} else {
				run.result = map[string]any{"rows_affected": res.RowsAffected}
			}
		}
		run.waits = append(run.waits, func() (string, error) { return "", err })

	case OpWait:
		for _, prev := range h.runs {
			for _, wait := range prev.waits {
				_, _ = wait()
			}
		}

	case OpCreateIndex:
		_, err := h.coord.CreateIndex(ctx, step.Name, graph.ElementClass(step.Class))
		run.done(step.Name, err)

	case OpDropIndex:
		run.done(step.Name, h.coord.DropIndex(ctx, step.Name))

	case OpCreateKeyIndex:
		run.done(step.Key, h.coord.CreateKeyIndex(ctx, step.Key, graph.ElementClass(step.Class)))

	case OpDropKeyIndex:
		run.done(step.Key, h.coord.DropKeyIndex(ctx, step.Key, graph.ElementClass(step.Class)))
	}
	return nil
}

// vertexRef returns a reference to a vertex created by an earlier step.
func (h *Harness) vertexRef(name string) (deferred.Ref[*graph.Vertex], error) {
	handle, ok := h.vertices[name]
	if !ok {
		return deferred.Ref[*graph.Vertex]{}, fmt.Errorf("unknown vertex ref %q", name)
	}
	return deferred.Pending(handle), nil
}

// vertexTarget resolves a remove target: a ref waits for its vertex, any
// other name is taken as a vertex ID.
func (h *Harness) vertexTarget(name string) (*graph.Vertex, error) {
	if handle, ok := h.vertices[name]; ok {
		return handle.Get()
	}
	return &graph.Vertex{ID: name}, nil
}

func (h *Harness) edgeTarget(name string) (*graph.Edge, error) {
	if handle, ok := h.edges[name]; ok {
		return handle.Get()
	}
	return &graph.Edge{ID: name}, nil
}

// journalKinds returns the kind of every journal record.
func (h *Harness) journalKinds(ctx context.Context) ([]string, error) {
	if h.mem != nil {
		entries := h.mem.Journal()
		kinds := make([]string, len(entries))
		for i, e := range entries {
			kinds[i] = e.Kind
		}
		return kinds, nil
	}
	entries, err := h.coord.Store().ReadJournal(ctx)
	if err != nil {
		return nil, err
	}
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	return kinds, nil
}

func (r *stepRun) fail(err error) {
	r.waits = append(r.waits, func() (string, error) { return "", err })
}

func (r *stepRun) done(id string, err error) {
	r.waits = append(r.waits, func() (string, error) { return id, err })
}

// finish waits for the step's mutations and builds its trace event. The
// second return value describes a mismatch with the step's expectation.
func (r *stepRun) finish() (TraceEvent, string) {
	ev := TraceEvent{Step: r.seq, Op: r.step.Op, Status: StatusOK, Result: r.result}
	if r.step.Count > 1 {
		ev.Count = r.step.Count
	}

	var firstErr error
	for _, wait := range r.waits {
		id, err := wait()
		if ev.Count == 0 && id != "" {
			ev.ID = id
		}
		if err != nil {
			ev.Failed++
			if firstErr == nil {
				firstErr = err
				ev.Status = statusOf(err)
			}
		}
	}
	if ev.Count == 0 {
		ev.Failed = 0
	}

	if r.step.Op == OpWait {
		return ev, ""
	}
	return ev, r.checkExpect(ev, firstErr)
}

func (r *stepRun) checkExpect(ev TraceEvent, err error) string {
	want := r.step.Expect
	if want == nil || want.Error == "" {
		if err != nil {
			return fmt.Sprintf("step %d (%s): unexpected error: %v", r.seq, r.step.Op, err)
		}
		return ""
	}

	if ev.Status != want.Error {
		return fmt.Sprintf("step %d (%s): expected %s, got %s", r.seq, r.step.Op, want.Error, ev.Status)
	}
	failed := ev.Failed
	if ev.Count == 0 {
		failed = 1
	}
	wantFailed := want.Failed
	if wantFailed == 0 {
		wantFailed = len(r.waits)
	}
	if failed != wantFailed {
		return fmt.Sprintf("step %d (%s): expected %d failures, got %d", r.seq, r.step.Op, wantFailed, failed)
	}
	return ""
}

// statusOf maps an error to its trace status.
func statusOf(err error) string {
	if code := graph.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}
