package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncgraph/internal/coordinator"
	"github.com/roach88/asyncgraph/internal/graph"
)

// StatsResult describes the contents of a graph database.
type StatsResult struct {
	Database     string   `json:"database"`
	Vertices     int64    `json:"vertices"`
	Edges        int64    `json:"edges"`
	Journal      int64    `json:"journal"`
	VertexKeys   []string `json:"vertex_keys"`
	EdgeKeys     []string `json:"edge_keys"`
	Indices      []string `json:"indices"`
	QuerySupport bool     `json:"query_support"`
}

// WriteText renders the stats as an aligned listing.
func (r StatsResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Database: %s\n", r.Database)
	fmt.Fprintf(w, "  vertices:    %d\n", r.Vertices)
	fmt.Fprintf(w, "  edges:       %d\n", r.Edges)
	fmt.Fprintf(w, "  journal:     %d\n", r.Journal)
	fmt.Fprintf(w, "  vertex keys: %s\n", listOrNone(r.VertexKeys))
	fmt.Fprintf(w, "  edge keys:   %s\n", listOrNone(r.EdgeKeys))
	fmt.Fprintf(w, "  indices:     %s\n", listOrNone(r.Indices))
	return nil
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show element counts and indices",
		Long: `Show vertex and edge counts, journal length and indices.

Examples:
  asyncgraph stats --db ./graph.db
  asyncgraph stats --config ./asyncgraph.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd)
		},
	}
}

func runStats(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts, cfg)
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

	result := StatsResult{
		Database:     cfg.URL,
		QuerySupport: coord.Features().SupportsQuery,
	}
	if result.Vertices, err = coord.CountVertices(ctx); err != nil {
		return out.Fail(ExitFailure, "count vertices", err)
	}
	if result.Edges, err = coord.CountEdges(ctx); err != nil {
		return out.Fail(ExitFailure, "count edges", err)
	}
	if result.Journal, err = coord.Store().JournalLen(ctx); err != nil {
		return out.Fail(ExitFailure, "journal length", err)
	}
	if result.VertexKeys, err = coord.GetIndexedKeys(ctx, graph.VertexClass); err != nil {
		return out.Fail(ExitFailure, "vertex keys", err)
	}
	if result.EdgeKeys, err = coord.GetIndexedKeys(ctx, graph.EdgeClass); err != nil {
		return out.Fail(ExitFailure, "edge keys", err)
	}

	indices, err := coord.GetIndices(ctx)
	if err != nil {
		return out.Fail(ExitFailure, "list indices", err)
	}
	result.Indices = make([]string, 0, len(indices))
	for _, idx := range indices {
		result.Indices = append(result.Indices, fmt.Sprintf("%s (%s)", idx.Name, idx.Class))
	}

	return out.Success(result)
}
