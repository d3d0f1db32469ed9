package cli

import (
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/caregohq/carego-sync/internal/models"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		model    string
		recordID string
		statuses []string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in dispatch order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if model != "" {
				q.Set("model", model)
			}
			if recordID != "" {
				q.Set("record_id", recordID)
			}
			if len(statuses) > 0 {
				q.Set("status", strings.Join(statuses, ","))
			}
			path := "/v1/queue"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var ops []*models.SyncOperation
			if err := newBridgeClient(rootOpts).get(cmd.Context(), path, &ops); err != nil {
				return err
			}

			f := newFormatter(rootOpts, cmd.OutOrStdout())
			if f.JSON() {
				return f.Emit(ops)
			}
			if len(ops) == 0 {
				fmt.Fprintln(f.Writer, "queue is empty")
				return nil
			}

			tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tMODEL\tRECORD\tPRIO\tRETRY\tSTATUS\tAGE")
			for _, op := range ops {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					shortID(op.ID), op.Type, op.Model, op.RecordID,
					op.Priority, op.RetryCount, op.Status, age(op.CreatedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "filter by model name")
	cmd.Flags().StringVarP(&recordID, "record", "r", "", "filter by record id")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "filter by status (repeatable)")

	return cmd
}

// shortID trims a uuid to its first group for table display.
func shortID(id models.UUID) string {
	s := id.String()
	if i := strings.IndexByte(s, '-'); i > 0 {
		return s[:i]
	}
	return s
}

func age(createdAt int64) string {
	d := time.Since(time.UnixMilli(createdAt))
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
