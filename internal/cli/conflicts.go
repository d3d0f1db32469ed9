package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/caregohq/carego-sync/internal/models"
)

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recently resolved conflicts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var logs []*models.ConflictLog
			path := fmt.Sprintf("/v1/conflicts?limit=%d", limit)
			if err := newBridgeClient(rootOpts).get(cmd.Context(), path, &logs); err != nil {
				return err
			}

			f := newFormatter(rootOpts, cmd.OutOrStdout())
			if f.JSON() {
				return f.Emit(logs)
			}
			if len(logs) == 0 {
				fmt.Fprintln(f.Writer, "no conflicts recorded")
				return nil
			}

			tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DETECTED\tMODEL\tRECORD\tRESOLUTION\tOPERATION")
			for _, cl := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					cl.DetectedAtTime().Format(time.RFC3339),
					cl.Model, cl.RecordID, cl.Resolution, shortID(cl.OperationID))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to fetch")
	return cmd
}
