package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Workflow string
	Record   string
	Status   string
	Limit    int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List workflow runs or show one run's history",
		Long: `List workflow runs, oldest first. With a run id, show that run and its
transition history.

Exit codes:
  0 - Success
  2 - Command error (unknown run or workflow, bad status)

Examples:
  recordflow runs --workflow order-approval --status failed
  recordflow runs 0192f3c1-7a4e-7000-8000-000000000001 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runShowRun(opts, args[0], cmd)
			}
			return runListRuns(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Workflow, "workflow", "", "workflow id or name")
	cmd.Flags().StringVar(&opts.Record, "record", "", "record id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "run status (running|completed|failed|cancelled)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of runs")

	return cmd
}

func runListRuns(opts *RunsOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	switch model.RunStatus(opts.Status) {
	case "", model.RunRunning, model.RunCompleted, model.RunFailed, model.RunCancelled:
	default:
		return formatter.Fail(ExitCommandError, "runs", fmt.Errorf("unknown status %q", opts.Status))
	}

	app, err := opts.open(cmd, formatter)
	if err != nil {
		return err
	}
	defer app.Close()

	runs, err := app.Workflows.ListRuns(cmd.Context(), store.RunQuery{
		WorkflowID: opts.Workflow,
		RecordID:   opts.Record,
		Status:     model.RunStatus(opts.Status),
		Limit:      opts.Limit,
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, "runs", err)
	}

	lines := make([]string, 0, len(runs)+1)
	for _, r := range runs {
		lines = append(lines, fmt.Sprintf("%s  %-9s  %-16s  record=%s", r.ID, r.Status, r.CurrentState, r.RecordID))
	}
	lines = append(lines, fmt.Sprintf("%d run(s)", len(runs)))
	return formatter.Success(runs, lines...)
}

func runShowRun(opts *RunsOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	app, err := opts.open(cmd, formatter)
	if err != nil {
		return err
	}
	defer app.Close()

	run, err := app.Workflows.GetRun(cmd.Context(), id)
	if err != nil {
		return formatter.Fail(ExitCommandError, "run", err)
	}
	if run.History, err = app.Workflows.History(cmd.Context(), id); err != nil {
		return formatter.Fail(ExitCommandError, "run history", err)
	}

	lines := []string{
		fmt.Sprintf("Run %s (workflow %s v%d, record %s)", run.ID, run.WorkflowID, run.WorkflowVersion, run.RecordID),
		fmt.Sprintf("  status: %s  state: %s", run.Status, run.CurrentState),
	}
	if run.Error != "" {
		lines = append(lines, "  error: "+run.Error)
	}
	for _, h := range run.History {
		line := fmt.Sprintf("  #%d %-9s %s -> %s by %s", h.Seq, h.Outcome, h.From, h.To, h.ActorID)
		if h.Error != "" {
			line += ": " + h.Error
		}
		lines = append(lines, line)
	}
	return formatter.Success(run, lines...)
}
