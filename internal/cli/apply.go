package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/bundle"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Actor    string
	FailFast bool
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <bundle>",
		Short: "Apply entity, rule and workflow definitions",
		Long: `Apply a bundle of YAML or CUE definitions to the database.

Entities are defined first, then rules, then workflows. Definitions whose
name already exists are left untouched. A transition guard may name a rule
instead of giving its id.

Exit codes:
  0 - Every definition applied
  1 - At least one definition failed
  2 - Command error (unreadable bundle, bad config)

Examples:
  recordflow apply ./definitions
  recordflow apply orders.cue --db ./orders.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "cli", "actor recorded in the audit log")
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "stop at the first failed definition")

	return cmd
}

func runApply(opts *ApplyOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	b, files, err := bundle.Load(path)
	if err != nil {
		return loadFailure(formatter, err)
	}
	formatter.VerboseLog("Loaded %d file(s) from %s", files, path)

	app, err := opts.open(cmd, formatter)
	if err != nil {
		return err
	}
	defer app.Close()

	result := bundle.Apply(cmd.Context(), app.Target(), opts.Actor, b, opts.FailFast)
	result.Files = files
	return reportApply(formatter, result, "applied")
}

func loadFailure(formatter *OutputFormatter, err error) error {
	var le *bundle.LoadError
	if errors.As(err, &le) {
		if outErr := formatter.Error(le.Code, le.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitCommandError, "load bundle", err)
	}
	return formatter.Fail(ExitCommandError, "load bundle", err)
}

func reportApply(formatter *OutputFormatter, result bundle.Result, verb string) error {
	if failures := result.Failures(); len(failures) > 0 {
		if err := formatter.Error(string(apperr.KindValidation),
			fmt.Sprintf("%d definition(s) failed", len(failures)), failures); err != nil {
			return err
		}
		if formatter.Format == "text" {
			for _, it := range failures {
				fmt.Fprintf(formatter.Writer, "  ✗ %s %s: %s\n", it.Kind, it.Name, it.Error)
			}
		}
		return NewExitError(ExitFailure, verb+" failed")
	}
	return formatter.Success(result, fmt.Sprintf("✓ %s %d file(s): %d created, %d published, %d unchanged",
		verb, result.Files, result.Count(bundle.ActionCreated), result.Count(bundle.ActionPublished), result.Count(bundle.ActionExists)))
}
