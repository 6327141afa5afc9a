package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/asyncgraph/internal/deferred"
	"github.com/roach88/asyncgraph/internal/graph"
	"github.com/roach88/asyncgraph/internal/retry"
	"github.com/roach88/asyncgraph/internal/workers"
)

// AddVertex queues creation of a vertex. An empty id lets the id generator
// (or the engine) choose one.
func (c *Coordinator) AddVertex(id string, props graph.Properties) (*deferred.Handle[*graph.Vertex], error) {
	id = c.elementID(id)
	props = props.Clone()
	return submit(c, "add vertex", func(ctx context.Context, b graph.Binding) (*graph.Vertex, error) {
		return withSession(c, ctx, "add vertex", b, func(ctx context.Context, s graph.Session) (*graph.Vertex, error) {
			return s.AddVertex(ctx, id, props)
		})
	})
}

// RemoveVertex queues removal of v and its incident edges.
func (c *Coordinator) RemoveVertex(v *graph.Vertex) (*deferred.Handle[struct{}], error) {
	if v == nil {
		return nil, graph.NewError(graph.CodeNotFound, "remove vertex", "vertex is nil")
	}
	target := *v
	return submit(c, "remove vertex", func(ctx context.Context, b graph.Binding) (struct{}, error) {
		return withSession(c, ctx, "remove vertex", b, func(ctx context.Context, s graph.Session) (struct{}, error) {
			return struct{}{}, s.RemoveVertex(ctx, &target)
		})
	})
}

// AddEdge queues creation of an edge from out to in.
//
// Either endpoint may still be pending (the handle of an earlier AddVertex).
// Endpoints are resolved on the worker before a session is acquired, so a
// waiting edge never holds a session. On a version conflict both endpoints
// are reloaded and the write is retried, up to the attempt bound.
func (c *Coordinator) AddEdge(id string, out, in deferred.Ref[*graph.Vertex], label string) (*deferred.Handle[*graph.Edge], error) {
	id = c.elementID(id)
	return submit(c, "add edge", func(ctx context.Context, b graph.Binding) (*graph.Edge, error) {
		outV, err := resolveEndpoint(ctx, "out", out)
		if err != nil {
			return nil, err
		}
		inV, err := resolveEndpoint(ctx, "in", in)
		if err != nil {
			return nil, err
		}

		return withSession(c, ctx, "add edge", b, func(ctx context.Context, s graph.Session) (*graph.Edge, error) {
			return c.addEdgeWithRetry(ctx, s, id, outV, inV, label)
		})
	})
}

func resolveEndpoint(ctx context.Context, side string, ref deferred.Ref[*graph.Vertex]) (*graph.Vertex, error) {
	v, err := ref.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve %s vertex: %w", side, err)
	}
	if v == nil {
		return nil, graph.NewError(graph.CodeNotFound, "add edge", "%s vertex is nil", side)
	}
	return v, nil
}

func (c *Coordinator) addEdgeWithRetry(ctx context.Context, s graph.Session, id string, out, in *graph.Vertex, label string) (*graph.Edge, error) {
	policy := retry.Policy{
		MaxAttempts: c.maxAttempts,
		OnTransition: func(t retry.Transition) {
			switch t.To {
			case retry.StateConflictDetected:
				c.logger.Debug("edge conflict, reloading endpoints",
					"label", label,
					"out", out.ID,
					"in", in.ID,
					"attempt", t.Attempt,
				)
			case retry.StateExhausted:
				c.logger.Warn("edge conflict retries exhausted",
					"label", label,
					"out", out.ID,
					"in", in.ID,
					"attempts", t.Attempt,
				)
			}
		},
	}

	edge, stats, err := retry.Run(ctx, policy,
		func(ctx context.Context, n int) retry.Outcome[*graph.Edge] {
			e, err := s.AddEdge(ctx, id, out, in, label)
			switch {
			case err == nil:
				return retry.Success(e)
			case graph.IsConflict(err):
				return retry.Conflict[*graph.Edge](err)
			default:
				return retry.Failure[*graph.Edge](err)
			}
		},
		func(ctx context.Context) error {
			o, err := s.Reload(ctx, out)
			if err != nil {
				return fmt.Errorf("reload out vertex: %w", err)
			}
			i, err := s.Reload(ctx, in)
			if err != nil {
				return fmt.Errorf("reload in vertex: %w", err)
			}
			out, in = o, i
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	if stats.Reloads > 0 {
		c.logger.Debug("edge created after conflicts", "id", edge.ID, "label", label, "attempts", stats.Attempts)
	}
	return edge, nil
}

// RemoveEdge queues removal of e.
func (c *Coordinator) RemoveEdge(e *graph.Edge) (*deferred.Handle[struct{}], error) {
	if e == nil {
		return nil, graph.NewError(graph.CodeNotFound, "remove edge", "edge is nil")
	}
	target := *e
	return submit(c, "remove edge", func(ctx context.Context, b graph.Binding) (struct{}, error) {
		return withSession(c, ctx, "remove edge", b, func(ctx context.Context, s graph.Session) (struct{}, error) {
			return struct{}{}, s.RemoveEdge(ctx, &target)
		})
	})
}

// Command runs a raw engine statement. It takes a sequence number like any
// mutation, waits for every earlier mutation, and executes on the calling
// goroutine. The returned handle is already complete; execution failures are
// carried by the handle.
func (c *Coordinator) Command(ctx context.Context, statement string, args ...any) (*deferred.Handle[graph.CommandResult], error) {
	const op = "command"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}

	seq := c.seq.Next()
	defer c.seq.Complete(seq)

	b := graph.Binding{Unit: c.newUnit(), Seq: seq, Actor: c.actor}
	if err := c.awaitBefore(ctx, seq-1); err != nil {
		return deferred.Failed[graph.CommandResult](err), nil
	}

	res, err := withSession(c, ctx, op, b, func(ctx context.Context, s graph.Session) (graph.CommandResult, error) {
		return s.Command(ctx, statement, args...)
	})
	if err != nil {
		c.logger.Error("mutation failed", "op", op, "seq", seq, "error", err)
		return deferred.Failed[graph.CommandResult](err), nil
	}
	return deferred.Completed(res), nil
}

func (c *Coordinator) elementID(id string) string {
	if id == "" && c.newID != nil {
		return c.newID()
	}
	return id
}

// submit numbers a mutation and queues it. The sequence number is completed
// when the task finishes, whatever its outcome, so the barrier never stalls
// on a failed mutation.
func submit[T any](c *Coordinator, op string, run func(ctx context.Context, b graph.Binding) (T, error)) (*deferred.Handle[T], error) {
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}

	seq := c.seq.Next()
	b := graph.Binding{Unit: c.newUnit(), Seq: seq, Actor: c.actor}

	h, err := workers.Submit(c.workers, func(ctx context.Context) (T, error) {
		defer c.seq.Complete(seq)

		ctx, cancel := c.operationContext(ctx)
		defer cancel()

		v, err := run(ctx, b)
		if err != nil {
			err = c.classifyTimeout(ctx, op, err)
			c.logger.Error("mutation failed", "op", op, "seq", seq, "unit", b.Unit, "error", err)
		}
		return v, err
	})
	if err != nil {
		c.seq.Complete(seq)
		return nil, err
	}
	return h, nil
}

func (c *Coordinator) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout > 0 {
		return context.WithTimeout(ctx, c.opTimeout)
	}
	return context.WithCancel(ctx)
}

// classifyTimeout reports a failure caused by the operation deadline as
// CodeTimeout, keeping the original error as the cause.
func (c *Coordinator) classifyTimeout(ctx context.Context, op string, err error) error {
	if graph.IsTimeout(err) || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return &graph.Error{
		Code:    graph.CodeTimeout,
		Op:      op,
		Message: fmt.Sprintf("exceeded operation timeout %s", c.opTimeout),
		Err:     err,
	}
}

// withSession leases a session, binds it to b, runs fn and releases the
// session on every exit path. A panic in fn propagates after the release.
func withSession[T any](c *Coordinator, ctx context.Context, op string, b graph.Binding, fn func(ctx context.Context, s graph.Session) (T, error)) (T, error) {
	var zero T
	s, err := c.sessions.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer func() {
		if rerr := c.sessions.Release(s); rerr != nil {
			c.logger.Warn("session release failed", "op", op, "error", rerr)
		}
	}()

	if b != (graph.Binding{}) {
		s.Bind(b)
	}
	return fn(ctx, s)
}
