package cli

import (
	"fmt"

	"github.com/speakeasy-voice/speakeasy/internal/batch"
	"github.com/spf13/cobra"
)

func newJobsCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage batch transcription jobs",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			orch, closeOrch, err := app.openOrchestrator()
			if err != nil {
				return err
			}
			defer closeOrch()

			jobs := orch.ListJobs(limit)
			if len(jobs) == 0 {
				fmt.Fprintln(app.outWriter(), "no jobs")
				return nil
			}
			for _, job := range jobs {
				fmt.Fprintf(app.outWriter(), "%s  %-10s  %d files (%d completed, %d failed, %d skipped)  %s\n",
					job.ID, job.Status, len(job.Files),
					job.CompletedCount(), job.FailedCount(), job.SkippedCount(),
					job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to show")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show one job with its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, closeOrch, err := app.openOrchestrator()
			if err != nil {
				return err
			}
			defer closeOrch()

			job, ok := orch.GetJob(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", batch.ErrJobNotFound, args[0])
			}
			fmt.Fprintf(app.outWriter(), "%s  %s  created %s\n", job.ID, job.Status,
				job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			for _, file := range job.Files {
				line := fmt.Sprintf("  %-40s %s", file.Filename, file.Status)
				if file.Error != "" {
					line += "  (" + file.Error + ")"
				}
				fmt.Fprintln(app.outWriter(), line)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job; pending files are skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, closeOrch, err := app.openOrchestrator()
			if err != nil {
				return err
			}
			defer closeOrch()

			if !orch.CancelJob(args[0]) {
				return fmt.Errorf("job %s is unknown or already finished", args[0])
			}
			fmt.Fprintf(app.outWriter(), "cancelled %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Reset failed files to pending and rerun the job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			orch, closeOrch, err := app.openOrchestrator()
			if err != nil {
				return err
			}
			defer closeOrch()

			if _, err := orch.RetryFailed(args[0], nil); err != nil {
				return err
			}

			ctrl, err := app.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer ctrl.Cleanup()

			sink, closeSink, err := app.openHistory()
			if err != nil {
				return err
			}
			defer closeSink()

			if err := orch.ProcessJob(ctx, args[0], ctrl, sink, nil, app.language); err != nil {
				return err
			}

			job, _ := orch.GetJob(args[0])
			fmt.Fprintf(app.outWriter(), "job %s: %s (%d completed, %d failed)\n",
				job.ID, job.Status, job.CompletedCount(), job.FailedCount())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete JOB_ID",
		Short: "Delete a job and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, closeOrch, err := app.openOrchestrator()
			if err != nil {
				return err
			}
			defer closeOrch()

			deleted, err := orch.DeleteJob(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("%w: %s", batch.ErrJobNotFound, args[0])
			}
			fmt.Fprintf(app.outWriter(), "deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}
