package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caregohq/carego-sync/internal/models"
)

// statusResponse mirrors the bridge's /v1/status payload.
type statusResponse struct {
	Online     bool                `json:"online"`
	Quality    string              `json:"quality"`
	Flushing   bool                `json:"flushing"`
	LastReport *models.FlushReport `json:"last_report"`
	LastError  string              `json:"last_error"`
	Counts     models.QueueCounts  `json:"counts"`
}

// countsResponse mirrors the bridge's /v1/queue/counts payload.
type countsResponse struct {
	Counts       models.QueueCounts `json:"counts"`
	PendingTotal int                `json:"pending_total"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine, network, and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st statusResponse
			if err := newBridgeClient(rootOpts).get(cmd.Context(), "/v1/status", &st); err != nil {
				return err
			}

			f := newFormatter(rootOpts, cmd.OutOrStdout())
			if f.JSON() {
				return f.Emit(st)
			}

			w := f.Writer
			fmt.Fprintf(w, "online:    %s (quality %s)\n", yesNo(st.Online), st.Quality)
			fmt.Fprintf(w, "flushing:  %s\n", yesNo(st.Flushing))
			c := st.Counts
			fmt.Fprintf(w, "queue:     %d pending, %d in flight, %d retryable, %d terminal\n",
				c.Pending, c.InFlight, c.FailedRetryable, c.FailedTerminal)
			if r := st.LastReport; r != nil {
				fmt.Fprintf(w, "last pass: %d sent, %d retryable, %d terminal, %d conflicts resolved (%dms)\n",
					len(r.Succeeded), len(r.RetryableFailures), len(r.TerminalFailures),
					r.ConflictsResolved, r.DurationMS)
			}
			if st.LastError != "" {
				fmt.Fprintf(w, "last error: %s\n", st.LastError)
			}
			return nil
		},
	}
}

// NewCountsCommand creates the counts command.
func NewCountsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Show queue occupancy by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp countsResponse
			if err := newBridgeClient(rootOpts).get(cmd.Context(), "/v1/queue/counts", &resp); err != nil {
				return err
			}

			f := newFormatter(rootOpts, cmd.OutOrStdout())
			if f.JSON() {
				return f.Emit(resp)
			}

			w := f.Writer
			fmt.Fprintf(w, "pending:          %d\n", resp.Counts.Pending)
			fmt.Fprintf(w, "in flight:        %d\n", resp.Counts.InFlight)
			fmt.Fprintf(w, "failed retryable: %d\n", resp.Counts.FailedRetryable)
			fmt.Fprintf(w, "failed terminal:  %d\n", resp.Counts.FailedTerminal)
			fmt.Fprintf(w, "awaiting sync:    %d\n", resp.PendingTotal)
			return nil
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
