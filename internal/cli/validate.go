package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncgraph/internal/config"
	"github.com/roach88/asyncgraph/internal/harness"
)

// File kinds checked by validate.
const (
	KindConfig   = "config"
	KindScenario = "scenario"
)

// FileValidation is the outcome for one file.
type FileValidation struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// WriteText renders one line per file.
func (r ValidationResult) WriteText(w io.Writer) error {
	for _, f := range r.Files {
		if f.Valid {
			fmt.Fprintf(w, "✓ %s (%s)\n", f.Path, f.Kind)
			continue
		}
		fmt.Fprintf(w, "✗ %s (%s)\n", f.Path, f.Kind)
		fmt.Fprintf(w, "  %s\n", f.Error)
	}
	return nil
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [scenario-path...]",
		Short: "Validate a config file and scenarios without running them",
		Long: `Validate configuration and scenario files without opening a database.

The file named by --config is checked against the config schema. Each
argument is a scenario file or a directory of scenarios.

Examples:
  asyncgraph validate --config ./asyncgraph.yaml
  asyncgraph validate ./scenarios
  asyncgraph validate --config ./asyncgraph.yaml ./scenarios --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	if opts.Config == "" && len(paths) == 0 {
		return NewExitError(ExitCommandError, "nothing to validate: pass --config or scenario paths")
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	result := ValidationResult{Valid: true, Files: []FileValidation{}}
	if opts.Config != "" {
		result.add(opts.Config, KindConfig, validateConfigFile(opts.Config))
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return WrapExitError(ExitCommandError, "cannot read path", err)
		}
		files := []string{p}
		if info.IsDir() {
			if files, err = findScenarioFiles(p, ""); err != nil {
				return WrapExitError(ExitCommandError, "failed to find scenarios", err)
			}
		}
		for _, f := range files {
			_, err := harness.LoadScenario(f)
			result.add(f, KindScenario, err)
		}
	}

	if err := out.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func validateConfigFile(path string) error {
	_, err := config.Load(path)
	return err
}

func (r *ValidationResult) add(path, kind string, err error) {
	f := FileValidation{Path: path, Kind: kind, Valid: err == nil}
	if err != nil {
		f.Error = err.Error()
		r.Valid = false
	}
	r.Files = append(r.Files, f)
}
