package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/recordflow/internal/model"
)

// TriggerOptions holds flags for the trigger command.
type TriggerOptions struct {
	*RootOptions
	Actor   string
	Payload string // JSON object
}

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TriggerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trigger <workflow> <record-id>",
		Short: "Manually start a workflow run for a record",
		Long: `Start a run of a published workflow for one record. If the record already
has a running run of the workflow, that run is returned unchanged.

Exit codes:
  0 - Run started or already running
  1 - Run failed on its first advance
  2 - Command error (unknown workflow or record, invalid payload)

Examples:
  recordflow trigger order-approval 0192f3c1-7a4e-7000-8000-000000000001
  recordflow trigger order-approval <record-id> --payload '{"reason":"escalated"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "cli", "actor recorded in the audit log")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "trigger payload as a JSON object")

	return cmd
}

func runTrigger(opts *TriggerOptions, workflowRef, recordID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	var payload map[string]any
	if err := json.Unmarshal([]byte(opts.Payload), &payload); err != nil {
		return formatter.Fail(ExitCommandError, "invalid --payload", err)
	}

	app, err := opts.open(cmd, formatter)
	if err != nil {
		return err
	}
	defer app.Close()

	run, err := app.Workflows.Trigger(cmd.Context(), opts.Actor, workflowRef, recordID, payload, model.TriggerManual)
	if err != nil {
		return formatter.Fail(ExitCommandError, "trigger", err)
	}
	if run.Status == model.RunFailed {
		if err := formatter.Error(string(model.RunFailed), run.Error, run); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "run failed")
	}
	return formatter.Success(run, fmt.Sprintf("✓ run %s is %s in state %s", run.ID, run.Status, run.CurrentState))
}
