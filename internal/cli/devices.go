package cli

import (
	"fmt"

	"github.com/speakeasy-voice/speakeasy/internal/capture"
	"github.com/spf13/cobra"
)

func newDevicesCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := capture.NewBackend()
			if err != nil {
				return err
			}

			devices, err := backend.Devices(cmd.Context())
			if err != nil {
				return fmt.Errorf("list devices via %s: %w", backend.Name(), err)
			}
			if len(devices) == 0 {
				fmt.Fprintln(app.outWriter(), "no input devices found")
				return nil
			}

			fmt.Fprintf(app.outWriter(), "== %s ==\n", backend.Name())
			for _, device := range devices {
				marker := "  "
				if device.IsDefault {
					marker = "* "
				}
				fmt.Fprintf(app.outWriter(), "%s%-12s %s\n", marker, device.ID, device.Name)
			}
			return nil
		},
	}
}
