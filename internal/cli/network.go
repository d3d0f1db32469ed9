package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// networkStatus mirrors the monitor's status payload.
type networkStatus struct {
	Online  bool   `json:"online"`
	Quality string `json:"quality"`
}

// NewNetworkCommand creates the network command.
func NewNetworkCommand(rootOpts *RootOptions) *cobra.Command {
	var quality string

	cmd := &cobra.Command{
		Use:   "network <online|offline>",
		Short: "Push a connectivity signal into the daemon",
		Long:  "Tells the daemon's network monitor that connectivity changed, exactly as a host shell would. Going online wakes the engine.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var online bool
			switch args[0] {
			case "online":
				online = true
			case "offline":
				online = false
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("argument must be online or offline, got %q", args[0]))
			}

			body := map[string]any{"online": online}
			if quality != "" {
				body["quality"] = quality
			}

			var st networkStatus
			if err := newBridgeClient(rootOpts).post(cmd.Context(), "/v1/network", body, &st); err != nil {
				return err
			}

			f := newFormatter(rootOpts, cmd.OutOrStdout())
			if f.JSON() {
				return f.Emit(st)
			}
			fmt.Fprintf(f.Writer, "network: online=%s quality=%s\n", yesNo(st.Online), st.Quality)
			return nil
		},
	}

	cmd.Flags().StringVar(&quality, "quality", "", "connection quality hint (good|poor)")
	return cmd
}
