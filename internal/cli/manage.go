package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caregohq/carego-sync/internal/models"
)

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <operation-id>",
		Short: "Discard a single queued operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newBridgeClient(rootOpts).del(cmd.Context(), "/v1/queue/"+args[0], nil); err != nil {
				return err
			}
			f := newFormatter(rootOpts, cmd.OutOrStdout())
			if f.JSON() {
				return f.Emit(map[string]string{"removed": args[0]})
			}
			fmt.Fprintf(f.Writer, "removed %s\n", args[0])
			return nil
		},
	}
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <operation-id>",
		Short: "Resubmit a terminally failed operation as a fresh one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var op models.SyncOperation
			if err := newBridgeClient(rootOpts).post(cmd.Context(), "/v1/queue/"+args[0]+"/requeue", nil, &op); err != nil {
				return err
			}
			f := newFormatter(rootOpts, cmd.OutOrStdout())
			if f.JSON() {
				return f.Emit(op)
			}
			fmt.Fprintf(f.Writer, "requeued as %s (%s %s/%s)\n", op.ID, op.Type, op.Model, op.RecordID)
			return nil
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard",
		Short: "Drop every terminally failed operation",
		Long:  "Drops all operations that exhausted their retries or were rejected outright. Use after reviewing them with list --status failed_terminal.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Discarded int `json:"discarded"`
			}
			if err := newBridgeClient(rootOpts).del(cmd.Context(), "/v1/queue/terminal", &resp); err != nil {
				return err
			}
			f := newFormatter(rootOpts, cmd.OutOrStdout())
			if f.JSON() {
				return f.Emit(resp)
			}
			fmt.Fprintf(f.Writer, "discarded %d operation(s)\n", resp.Discarded)
			return nil
		},
	}
}
