package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncgraph/internal/graph"
	"github.com/roach88/asyncgraph/internal/store"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Kind  string
	Limit int
}

// JournalResult is the filtered mutation journal.
type JournalResult struct {
	Entries []store.JournalEntry `json:"entries"`
	Total   int                  `json:"total"`
}

// WriteText renders the journal as a table.
func (r JournalResult) WriteText(w io.Writer) error {
	if len(r.Entries) == 0 {
		_, err := fmt.Fprintln(w, "No journal entries.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tUNIT\tKIND\tELEMENT\tACTOR")
	for _, e := range r.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.Unit, e.Kind, e.ElementID, e.Actor)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(r.Entries) < r.Total {
		fmt.Fprintf(w, "(%d of %d entries)\n", len(r.Entries), r.Total)
	}
	return nil
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List applied mutations",
		Long: `List the mutation journal of a graph database.

Every applied mutation is recorded with the sequence number it was issued,
its operation unit and the actor that submitted it. Entries are ordered by
sequence number.

Examples:
  asyncgraph journal --db ./graph.db
  asyncgraph journal --db ./graph.db --kind add_edge --limit 20
  asyncgraph journal --db ./graph.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only list entries of this kind")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "list at most this many entries (0 lists all)")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.RootOptions, cfg)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	st, err := store.Open(cfg.URL,
		store.WithCredentials(graph.Credentials{Username: cfg.Username, Password: cfg.Password}),
		store.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}()

	ctx, stop := signalContext(cmd)
	defer stop()

	entries, err := st.ReadJournal(ctx)
	if err != nil {
		return out.Fail(ExitFailure, "failed to read journal", err)
	}

	result := JournalResult{Entries: filterJournal(entries, opts.Kind)}
	result.Total = len(result.Entries)
	if opts.Limit > 0 && len(result.Entries) > opts.Limit {
		result.Entries = result.Entries[:opts.Limit]
	}
	return out.Success(result)
}

func filterJournal(entries []store.JournalEntry, kind string) []store.JournalEntry {
	if kind == "" {
		return entries
	}
	filtered := []store.JournalEntry{}
	for _, e := range entries {
		if e.Kind == kind {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
