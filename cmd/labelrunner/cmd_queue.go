package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"labelrunner/internal/app"
	"labelrunner/internal/messaging"
	"labelrunner/internal/queue"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	enqueueID   string
	enqueueHint string
)

// enqueueCmd adds a job for one account
var enqueueCmd = &cobra.Command{
	Use:   "enqueue [source]",
	Short: "Queue a label job for an account page",
	Long: `Adds a job whose source is the account page (absolute URL or a path on
the configured site). The server starts processing immediately.

Example:
  labelrunner enqueue /accounts/1842 --hint "DEMO-7781"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		job, err := newClient(serverAddr()).Enqueue(ctx, messaging.EnqueueJob{
			ID:        enqueueID,
			Source:    args[0],
			OrderHint: enqueueHint,
		})
		if err != nil {
			return err
		}
		logger.Debug("job queued", zap.String("id", job.ID))
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%s)\n", job.ID, job.Status)
		return nil
	},
}

// statusCmd shows the queue summary
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued jobs and collected labels",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s, err := newClient(serverAddr()).Summary(ctx)
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), s)
		return nil
	},
}

// jobsCmd lists every job
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs with their status and last error",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		jobs, err := newClient(serverAddr()).Jobs(ctx)
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), jobs, time.Now())
		return nil
	},
}

// printCmd merges and prints every collected label
var printCmd = &cobra.Command{
	Use:   "print",
	Short: "Merge all collected labels into one PDF and open it for printing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var res app.PrintResult
		if err := newClient(serverAddr()).Print(ctx, &res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "printed %d labels (%d pages)", res.Printed, res.Pages)
		if res.Failed > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), ", %d could not be fetched", res.Failed)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

// processCmd triggers a drain
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process the queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return newClient(serverAddr()).Process(ctx)
	},
}

// requeueCmd resets a failed or waiting job
var requeueCmd = &cobra.Command{
	Use:   "requeue [job-id]",
	Short: "Reset a job to pending with a fresh try budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		job, err := newClient(serverAddr()).Requeue(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", job.ID)
		return nil
	},
}

// removeCmd deletes one job
var removeCmd = &cobra.Command{
	Use:   "remove [job-id]",
	Short: "Remove a job from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := newClient(serverAddr()).Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
		return nil
	},
}

// clearFailedCmd drops every failed job
var clearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Remove every failed job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		n, err := newClient(serverAddr()).ClearFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d failed jobs\n", n)
		return nil
	},
}

// attachCmd instruments a tab the operator opened by hand
var attachCmd = &cobra.Command{
	Use:   "attach [target-id]",
	Short: "Let an existing browser tab send capture messages",
	Long: `Instruments a tab that labelrunner did not open so its page scripts can
announce labels (expect-capture, candidate-url). Target IDs are listed at the
browser's /json endpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		tab, err := newClient(serverAddr()).Attach(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "attached %s\n", tab)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "Job ID (default: generated)")
	enqueueCmd.Flags().StringVar(&enqueueHint, "hint", "", "Text identifying the order on the account page")
}

func printSummary(w io.Writer, s queue.Summary) {
	fmt.Fprintf(w, "Queued:     %d (pending %d, retry %d)\n", s.Queued(), s.Pending, s.Retry)
	fmt.Fprintf(w, "Processing: %d\n", s.Processing)
	fmt.Fprintf(w, "Failed:     %d\n", s.Failed)
	fmt.Fprintf(w, "Labels:     %d\n", s.Labels)
}

func printJobs(w io.Writer, jobs []queue.Job, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIES\tNEXT\tSOURCE\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			j.ID, j.Status, j.Tries, nextIn(j, now), j.Source, j.LastError)
	}
	_ = tw.Flush()
}

// nextIn renders when a waiting job becomes eligible.
func nextIn(j queue.Job, now time.Time) string {
	if j.Status != queue.StatusRetry || j.NextAt == 0 {
		return "-"
	}
	d := time.UnixMilli(j.NextAt).Sub(now)
	if d <= 0 {
		return "now"
	}
	return d.Round(time.Second).String()
}
