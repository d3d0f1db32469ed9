package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caregohq/carego-sync/internal/models"
)

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		opType   string
		model    string
		recordID string
		data     string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Append a mutation to the offline queue",
		Long:  "Appends a mutation to the queue through the bridge, exactly as a UI shell would.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := models.NewOperation{
				Type:     opType,
				Model:    model,
				RecordID: recordID,
			}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &in.Data); err != nil {
					return NewExitError(ExitCommandError, fmt.Sprintf("--data is not valid JSON: %v", err))
				}
			}

			var op models.SyncOperation
			if err := newBridgeClient(rootOpts).post(cmd.Context(), "/v1/queue", in, &op); err != nil {
				return err
			}

			f := newFormatter(rootOpts, cmd.OutOrStdout())
			if f.JSON() {
				return f.Emit(op)
			}
			fmt.Fprintf(f.Writer, "enqueued %s %s %s/%s priority=%d\n",
				op.ID, op.Type, op.Model, op.RecordID, op.Priority)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opType, "type", "t", "", "operation type (create|update|delete)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name")
	cmd.Flags().StringVarP(&recordID, "record", "r", "", "record id (minted for creates when omitted)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "mutation payload as JSON")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("model")

	return cmd
}
