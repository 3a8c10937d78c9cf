package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/recordflow/internal/bundle"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <bundle>",
		Short: "Check a bundle without touching the database",
		Long: `Validate a bundle of YAML or CUE definitions by applying it to a
scratch database. Every definition is checked; all failures are reported.

Exit codes:
  0 - Bundle is valid
  1 - At least one definition is invalid
  2 - Command error (unreadable bundle, bad config)

Examples:
  recordflow validate ./definitions
  recordflow validate orders.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	b, files, err := bundle.Load(path)
	if err != nil {
		return loadFailure(formatter, err)
	}
	formatter.VerboseLog("Loaded %d file(s) from %s", files, path)

	scratch, err := os.MkdirTemp("", "recordflow-validate-*")
	if err != nil {
		return formatter.Fail(ExitCommandError, "scratch database", err)
	}
	defer os.RemoveAll(scratch)

	scratchOpts := *opts.RootOptions
	scratchOpts.Database = filepath.Join(scratch, "validate.db")
	app, err := scratchOpts.open(cmd, formatter)
	if err != nil {
		return err
	}
	defer app.Close()

	result := bundle.Apply(cmd.Context(), app.Target(), "validate", b, false)
	result.Files = files
	return reportApply(formatter, result, "validated")
}
