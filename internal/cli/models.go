package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/speakeasy-voice/speakeasy/internal/engine"
	"github.com/speakeasy-voice/speakeasy/internal/models"
	"github.com/speakeasy-voice/speakeasy/internal/transfer"
	"github.com/spf13/cobra"
)

func newModelsCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List and download transcription models",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List catalog models and their local state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := engine.ParseKind(app.engineKind)
			if err != nil {
				return err
			}

			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			names := models.Names(kind)
			if len(names) == 0 {
				fmt.Fprintf(app.outWriter(), "no catalog models for engine %s\n", kind)
				return nil
			}

			for _, name := range names {
				state := "not downloaded"
				if resolved, err := models.Resolve(kind, name, modelDir); err == nil && !resolved.NeedsDownload {
					state = "downloaded"
				}
				marker := "  "
				if name == app.model {
					marker = "* "
				}
				fmt.Fprintf(app.outWriter(), "%s%-10s %s\n", marker, name, state)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "download [NAME]",
		Short: "Download a model into the model directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := app.model
			if len(args) == 1 {
				name = args[0]
			}
			return app.downloadModel(cmd.Context(), name)
		},
	})

	return cmd
}

func (a *appState) downloadModel(ctx context.Context, name string) error {
	kind, err := engine.ParseKind(a.engineKind)
	if err != nil {
		return err
	}

	modelDir, err := a.modelStorageDir()
	if err != nil {
		return err
	}

	tracker := transfer.NewTracker(transfer.Options{
		StallWindow: a.settings.Downloads.StallWindow,
		Logger:      a.log(),
	})

	path, err := models.Ensure(ctx, kind, name, models.EnsureOptions{
		ModelDir:     modelDir,
		AutoDownload: true,
		NoProgress:   !a.progressEnabled(),
		Tracker:      tracker,
		Logger:       a.log(),
	})
	if err != nil {
		return err
	}

	info, statErr := os.Stat(path)
	if statErr == nil {
		fmt.Fprintf(a.outWriter(), "%s ready at %s (%.1f MB)\n", name, path, float64(info.Size())/(1024*1024))
	} else {
		fmt.Fprintf(a.outWriter(), "%s ready at %s\n", name, filepath.Clean(path))
	}
	return nil
}
