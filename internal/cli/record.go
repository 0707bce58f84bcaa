package cli

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/speakeasy-voice/speakeasy/internal/history"
	"github.com/spf13/cobra"
)

func newRecordCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record from the microphone and print the transcript",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runRecord(cmd.Context(), cmd)
		},
	}

	cmd.Flags().DurationVar(&app.duration, "duration", 0, "Record duration, e.g. 10s; 0 means stop with Enter")
	return cmd
}

func (a *appState) runRecord(ctx context.Context, cmd *cobra.Command) error {
	ctrl, err := a.openSession(ctx, true)
	if err != nil {
		return err
	}
	defer ctrl.Cleanup()

	if err := ctrl.StartRecording(ctx); err != nil {
		return err
	}

	if a.duration > 0 {
		stop := startDurationProgress(a.progressEnabled(), "recording", a.duration)
		select {
		case <-time.After(a.duration):
		case <-ctx.Done():
			stop()
			ctrl.CancelRecording()
			return ctx.Err()
		}
		stop()
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), "Recording... press Enter to stop")
		if _, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n'); err != nil {
			ctrl.CancelRecording()
			return fmt.Errorf("wait for stop: %w", err)
		}
	}

	stopSpinner := startSpinner(a.progressEnabled(), "transcribing")
	result, err := ctrl.StopAndTranscribe(ctx, a.language, nil)
	stopSpinner()
	if err != nil {
		return err
	}

	fmt.Fprintln(a.outWriter(), result.Text)

	sink, closeSink, err := a.openHistory()
	if err != nil {
		a.log().Warn("history store unavailable, transcript not saved", zap.Error(err))
		return nil
	}
	defer closeSink()

	if _, err := sink.Save(history.Record{
		Source:       "microphone",
		Text:         result.Text,
		Language:     result.Language,
		Model:        result.Model,
		DurationMs:   result.RecordedDuration.Milliseconds(),
		ProcessingMs: result.ProcessingMs,
	}); err != nil {
		a.log().Warn("failed to save transcript to history", zap.Error(err))
	}
	return nil
}
