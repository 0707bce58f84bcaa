package cli

import (
	"context"
	"fmt"

	"github.com/speakeasy-voice/speakeasy/internal/batch"
	"github.com/speakeasy-voice/speakeasy/internal/notify"
	"github.com/spf13/cobra"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "transcribe FILE...",
		Short: "Transcribe audio files as a durable batch job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runTranscribe(cmd.Context(), args)
		},
	}
}

func (a *appState) runTranscribe(ctx context.Context, paths []string) error {
	ctrl, err := a.openSession(ctx, false)
	if err != nil {
		return err
	}
	defer ctrl.Cleanup()

	orch, closeOrch, err := a.openOrchestrator()
	if err != nil {
		return err
	}
	defer closeOrch()

	sink, closeSink, err := a.openHistory()
	if err != nil {
		return err
	}
	defer closeSink()

	job, err := orch.CreateJob(paths)
	if err != nil {
		return err
	}

	bus := notify.NewBus(0, a.log())
	bus.Subscribe(func(_ string, payload map[string]any) {
		fileStatus, ok := payload["file_status"].(string)
		if !ok {
			return
		}
		fmt.Fprintf(a.outWriter(), "[%v/%v] %v: %s\n",
			payload["current_index"], payload["total_files"], payload["current_file"], fileStatus)
	})

	if err := orch.ProcessJob(ctx, job.ID, ctrl, sink, bus.Emit, a.language); err != nil {
		return err
	}

	finished, ok := orch.GetJob(job.ID)
	if !ok {
		return fmt.Errorf("%w: %s", batch.ErrJobNotFound, job.ID)
	}

	for _, file := range finished.Files {
		if file.Status != batch.FileStatusCompleted {
			fmt.Fprintf(a.outWriter(), "\n== %s (%s) ==\n%s\n", file.Filename, file.Status, file.Error)
			continue
		}
		record, err := sink.Get(file.ResultReference)
		if err != nil {
			return fmt.Errorf("load result for %s: %w", file.Filename, err)
		}
		fmt.Fprintf(a.outWriter(), "\n== %s ==\n%s\n", file.Filename, record.Text)
	}

	if finished.Status == batch.JobStatusFailed {
		return fmt.Errorf("job %s failed: all %d files failed", finished.ID, len(finished.Files))
	}
	return nil
}
