package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/models"
)

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Run one flush pass and report every outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout())

			var report models.FlushReport
			err := newBridgeClient(rootOpts).post(cmd.Context(), "/v1/flush", nil, &report)
			if err != nil {
				var be *bridgeError
				if errors.As(err, &be) && be.Code == string(apperrors.ErrBusy) {
					// The running pass absorbed the request and re-runs.
					fmt.Fprintln(f.Writer, "flush already in progress; request coalesced")
					return nil
				}
				return err
			}

			if f.JSON() {
				if err := f.Emit(report); err != nil {
					return err
				}
			} else {
				renderReport(f, &report)
			}

			if len(report.TerminalFailures) > 0 {
				return NewExitError(ExitFailure,
					fmt.Sprintf("flush completed with %d terminal failure(s)", len(report.TerminalFailures)))
			}
			return nil
		},
	}
}

func renderReport(f *Formatter, report *models.FlushReport) {
	w := f.Writer
	if report.Empty() {
		fmt.Fprintln(w, "nothing to send")
		return
	}

	fmt.Fprintf(w, "sent %d operation(s) in %dms\n", len(report.Succeeded), report.DurationMS)
	if report.ConflictsResolved > 0 {
		fmt.Fprintf(w, "conflicts resolved: %d\n", report.ConflictsResolved)
	}
	if report.Skipped > 0 {
		fmt.Fprintf(w, "skipped (backoff not expired): %d\n", report.Skipped)
	}
	for _, fail := range report.RetryableFailures {
		fmt.Fprintf(w, "retryable %s %s/%s: %s (%s)\n",
			shortID(fail.OperationID), fail.Model, fail.RecordID, fail.Message, fail.Code)
	}
	for _, fail := range report.TerminalFailures {
		fmt.Fprintf(w, "terminal  %s %s/%s: %s (%s)\n",
			shortID(fail.OperationID), fail.Model, fail.RecordID, fail.Message, fail.Code)
	}
}
