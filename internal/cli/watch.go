package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/caregohq/carego-sync/internal/models"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream queue and engine events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := newBridgeClient(rootOpts)

			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, client.wsURL(), nil)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", client.wsURL(), err)
			}
			if resp != nil {
				resp.Body.Close()
			}
			defer conn.Close()

			// Interrupt unblocks the read by closing the connection.
			go func() {
				<-ctx.Done()
				conn.Close()
			}()

			f := newFormatter(rootOpts, cmd.OutOrStdout())
			for {
				var ev models.QueueEvent
				if err := conn.ReadJSON(&ev); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("event stream closed: %w", err)
				}
				if f.JSON() {
					// One envelope per line, unindented.
					if err := json.NewEncoder(f.Writer).Encode(ev); err != nil {
						return err
					}
					continue
				}
				renderEvent(f.Writer, ev)
			}
		},
	}
}

func renderEvent(w io.Writer, ev models.QueueEvent) {
	ts := time.UnixMilli(ev.At).Format("15:04:05")

	switch {
	case ev.Report != nil:
		r := ev.Report
		fmt.Fprintf(w, "%s %-20s sent=%d retryable=%d terminal=%d conflicts=%d\n",
			ts, ev.Kind, len(r.Succeeded), len(r.RetryableFailures),
			len(r.TerminalFailures), r.ConflictsResolved)
	case ev.Operation != nil:
		op := ev.Operation
		fmt.Fprintf(w, "%s %-20s %s %s/%s status=%s retries=%d pending=%d\n",
			ts, ev.Kind, shortID(op.ID), op.Model, op.RecordID,
			op.Status, op.RetryCount, ev.Counts.PendingTotal())
	default:
		fmt.Fprintf(w, "%s %-20s pending=%d in_flight=%d terminal=%d\n",
			ts, ev.Kind, ev.Counts.PendingTotal(), ev.Counts.InFlight, ev.Counts.FailedTerminal)
	}
}
