package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
}

// VerifyResult is the outcome of an audit chain walk.
type VerifyResult struct {
	Valid  bool         `json:"valid"`
	Report audit.Report `json:"report"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain",
		Long: `Walk the audit log from its anchor and recompute every entry hash and
signature.

Exit codes:
  0 - Chain is intact
  1 - Chain is tampered (first broken entry is reported)
  2 - Command error (database not found, bad config)

Examples:
  recordflow verify --db ./recordflow.db
  recordflow verify --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	app, err := opts.open(cmd, formatter)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Audit.Verify(cmd.Context())
	if err != nil {
		if apperr.KindOf(err) == apperr.KindAuditTamper {
			return formatter.Fail(ExitFailure, "audit chain tampered", err)
		}
		return formatter.Fail(ExitCommandError, "verify", err)
	}
	formatter.VerboseLog("Verified seq %d..%d", report.FirstSeq, report.LastSeq)
	return formatter.Success(VerifyResult{Valid: true, Report: report},
		fmt.Sprintf("✓ audit chain intact: %d entries (%d signed), head %s", report.Checked, report.Signed, shortHash(report.HeadHash)))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
