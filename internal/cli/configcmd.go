package cli

import (
	"fmt"

	"github.com/speakeasy-voice/speakeasy/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and persist settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := app.settings
			fmt.Fprintf(app.outWriter(), "engine.kind: %s\n", s.Engine.Kind)
			fmt.Fprintf(app.outWriter(), "engine.model: %s\n", s.Engine.Model)
			fmt.Fprintf(app.outWriter(), "engine.device: %s\n", s.Engine.Device)
			fmt.Fprintf(app.outWriter(), "engine.precision: %s\n", s.Engine.Precision)
			fmt.Fprintf(app.outWriter(), "engine.language: %s\n", s.Engine.Language)
			fmt.Fprintf(app.outWriter(), "audio.input_device: %s\n", s.Audio.InputDevice)
			fmt.Fprintf(app.outWriter(), "audio.silence_threshold_dbfs: %.1f\n", s.Audio.SilenceThresholdDBFS)
			fmt.Fprintf(app.outWriter(), "storage.model_dir: %s\n", s.Storage.ModelDir)
			fmt.Fprintf(app.outWriter(), "storage.batch_db: %s\n", s.Storage.BatchDB)
			fmt.Fprintf(app.outWriter(), "storage.history_db: %s\n", s.Storage.HistoryDB)
			fmt.Fprintf(app.outWriter(), "downloads.auto: %t\n", s.Downloads.Auto)
			fmt.Fprintf(app.outWriter(), "downloads.stall_window: %s\n", s.Downloads.StallWindow)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the effective settings to the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := app.settings
			settings.Engine.Kind = app.engineKind
			settings.Engine.Model = app.model
			settings.Engine.Device = app.device
			settings.Engine.Precision = app.precision
			settings.Engine.Language = app.language
			settings.Audio.InputDevice = app.inputDevice
			settings.Downloads.Auto = app.autoDownload
			if app.modelDir != "" {
				settings.Storage.ModelDir = app.modelDir
			}

			if err := config.Save(app.configPath, settings); err != nil {
				return err
			}
			target := app.configPath
			if target == "" {
				target = "the default config location"
			}
			fmt.Fprintf(app.outWriter(), "settings written to %s\n", target)
			return nil
		},
	})

	return cmd
}
