package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/workflow"
)

// TickOptions holds flags for the tick command.
type TickOptions struct {
	*RootOptions
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TickOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tick [workflow]",
		Short: "Re-evaluate running runs of schedule workflows",
		Long: `Deliver a schedule tick. Every running run of the workflow is advanced
as far as its guards allow. Without an argument every published workflow
with trigger type schedule is ticked.

Exit codes:
  0 - Tick delivered, no run failed
  1 - At least one run failed while advancing
  2 - Command error (unknown workflow, tampered audit chain)

Examples:
  recordflow tick
  recordflow tick nightly-escalation --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			return runTick(opts, ref, cmd)
		},
	}

	return cmd
}

func runTick(opts *TickOptions, ref string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	app, err := opts.open(cmd, formatter)
	if err != nil {
		return err
	}
	defer app.Close()

	var reports []workflow.TickReport
	if ref != "" {
		r, err := app.Workflows.OnScheduleTick(cmd.Context(), ref)
		if err != nil {
			return formatter.Fail(ExitCommandError, "tick", err)
		}
		reports = append(reports, r)
	} else if reports, err = tickScheduled(cmd.Context(), app); err != nil {
		return formatter.Fail(ExitCommandError, "tick", err)
	}

	var evaluated, advanced, failed int
	for _, r := range reports {
		evaluated += r.Evaluated
		advanced += len(r.Advanced)
		failed += len(r.Failed)
	}
	if failed > 0 {
		if err := formatter.Error(string(apperr.KindWorkflowRunFailed),
			fmt.Sprintf("%d run(s) failed", failed), reports); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "tick failed")
	}
	return formatter.Success(reports, fmt.Sprintf("✓ ticked %d workflow(s): %d run(s) evaluated, %d advanced",
		len(reports), evaluated, advanced))
}

// tickScheduled ticks every published schedule workflow in id order.
func tickScheduled(ctx context.Context, app *App) ([]workflow.TickReport, error) {
	defs, err := app.Workflows.List(ctx)
	if err != nil {
		return nil, err
	}
	reports := []workflow.TickReport{}
	for _, def := range defs {
		if !def.Published || def.TriggerType != model.TriggerSchedule {
			continue
		}
		r, err := app.Workflows.OnScheduleTick(ctx, def.ID)
		if err != nil {
			return reports, fmt.Errorf("workflow %s: %w", def.Name, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}
