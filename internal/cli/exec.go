package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncgraph/internal/coordinator"
	"github.com/roach88/asyncgraph/internal/graph"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Args string
}

// ExecResult wraps a command result for text rendering.
type ExecResult struct {
	graph.CommandResult
}

// WriteText prints returned rows one per line, or the affected row count.
func (r ExecResult) WriteText(w io.Writer) error {
	if r.Rows == nil {
		_, err := fmt.Fprintf(w, "%d row(s) affected\n", r.RowsAffected)
		return err
	}
	for _, row := range r.Rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
	}
	_, err := fmt.Fprintf(w, "(%d row(s))\n", len(r.Rows))
	return err
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <statement>",
		Short: "Run a raw engine command",
		Long: `Run a raw statement against the backing engine.

The statement is submitted as a mutation: it runs after every earlier
mutation and is recorded in the journal. Positional parameters are passed
with --args as a JSON array.

Examples:
  asyncgraph exec --db ./graph.db "SELECT id, version FROM vertices"
  asyncgraph exec --db ./graph.db "DELETE FROM edges WHERE label = ?" --args '["stale"]'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "[]", "statement parameters as a JSON array")

	return cmd
}

func runExec(opts *ExecOptions, statement string, cmd *cobra.Command) error {
	var params []any
	if err := json.Unmarshal([]byte(opts.Args), &params); err != nil {
		return WrapExitError(ExitCommandError, "invalid --args JSON", err)
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

	h, err := coord.Command(ctx, statement, params...)
	if err != nil {
		return out.Fail(ExitFailure, "command failed", err)
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return out.Fail(ExitFailure, "command failed", err)
	}
	return out.Success(ExecResult{CommandResult: res})
}
