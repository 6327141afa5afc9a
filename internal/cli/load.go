package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncgraph/internal/coordinator"
	"github.com/roach88/asyncgraph/internal/deferred"
	"github.com/roach88/asyncgraph/internal/graph"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	Vertices int
	Edges    int
	Hub      bool
	Label    string
}

// LoadResult summarizes a load run.
type LoadResult struct {
	Vertices int               `json:"vertices"`
	Edges    int               `json:"edges"`
	Failed   int               `json:"failed"`
	Elapsed  string            `json:"elapsed"`
	Stats    coordinator.Stats `json:"stats"`
	Errors   []string          `json:"errors,omitempty"`
}

// WriteText renders the load summary.
func (r LoadResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Loaded %d vertices and %d edges in %s\n", r.Vertices, r.Edges, r.Elapsed)
	fmt.Fprintf(w, "  mutations: %d issued, %d completed\n", r.Stats.Issued, r.Stats.Completed)
	fmt.Fprintf(w, "  sessions:  %d open, %d acquired\n", r.Stats.Sessions.Open, r.Stats.Sessions.Acquired)
	if r.Failed > 0 {
		fmt.Fprintf(w, "  failed:    %d\n", r.Failed)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "    %s\n", e)
		}
	}
	return nil
}

// maxReportedErrors bounds the errors listed in a LoadResult.
const maxReportedErrors = 10

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Submit a concurrent vertex and edge workload",
		Long: `Submit a synthetic workload through the coordinator.

All vertices are submitted first, then edges between them. Edges name their
endpoints through pending references, so they are queued before the vertices
exist. With --hub every edge starts at the first vertex, which forces
concurrent edges to conflict on it and exercises conflict retry.

Exit codes:
  0 - Every mutation succeeded
  1 - One or more mutations failed
  2 - Command error (bad config, database not found, etc.)

Examples:
  asyncgraph load --db ./graph.db --vertices 1000 --edges 999
  asyncgraph load --db ./graph.db --vertices 100 --edges 99 --hub
  asyncgraph load --config ./asyncgraph.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Vertices, "vertices", 100, "number of vertices to add")
	cmd.Flags().IntVar(&opts.Edges, "edges", 0, "number of edges to add")
	cmd.Flags().BoolVar(&opts.Hub, "hub", false, "start every edge at the first vertex")
	cmd.Flags().StringVar(&opts.Label, "label", "linked", "edge label")

	return cmd
}

func runLoad(opts *LoadOptions, cmd *cobra.Command) error {
	if opts.Vertices < 1 {
		return NewExitError(ExitCommandError, "--vertices must be at least 1")
	}
	if opts.Edges < 0 {
		return NewExitError(ExitCommandError, "--edges must not be negative")
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.RootOptions, cfg)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	ctx, stop := signalContext(cmd)
	defer stop()

	coord, err := coordinator.Open(ctx, cfg, coordinator.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open coordinator", err)
	}
	defer func() {
		if err := coord.Shutdown(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	start := time.Now()
	result := LoadResult{}

	vertices := make([]*deferred.Handle[*graph.Vertex], 0, opts.Vertices)
	for i := range opts.Vertices {
		h, err := coord.AddVertex("", graph.Properties{"n": i})
		if err != nil {
			return out.Fail(ExitFailure, "submit vertex", err)
		}
		vertices = append(vertices, h)
	}

	edges := make([]*deferred.Handle[*graph.Edge], 0, opts.Edges)
	for i := range opts.Edges {
		from, to := i%opts.Vertices, (i+1)%opts.Vertices
		if opts.Hub {
			from, to = 0, spoke(i, opts.Vertices)
		}
		h, err := coord.AddEdge("", deferred.Pending(vertices[from]), deferred.Pending(vertices[to]), opts.Label)
		if err != nil {
			return out.Fail(ExitFailure, "submit edge", err)
		}
		edges = append(edges, h)
	}
	logger.Info("workload submitted", "vertices", len(vertices), "edges", len(edges))

	for _, h := range vertices {
		if _, err := h.Wait(ctx); err != nil {
			result.record(err)
			continue
		}
		result.Vertices++
	}
	for _, h := range edges {
		if _, err := h.Wait(ctx); err != nil {
			result.record(err)
			continue
		}
		result.Edges++
	}

	result.Elapsed = time.Since(start).Round(time.Millisecond).String()
	result.Stats = coord.Stats()

	if err := out.Success(result); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d mutation(s) failed", result.Failed))
	}
	return nil
}

func (r *LoadResult) record(err error) {
	r.Failed++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

// spoke returns the i-th edge target around a hub at vertex 0.
func spoke(i, n int) int {
	if n == 1 {
		return 0
	}
	return 1 + i%(n-1)
}

// signalContext returns the command context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
