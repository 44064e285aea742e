package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_intake/internal/queue"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the delivery queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var c queue.Counts
		if err := doJSON(ctx, http.MethodGet, "/v1/queue/stats", nil, &c, nil); err != nil {
			return fmt.Errorf("failed to get queue stats: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, c)
			return nil
		}
		fmt.Fprintln(out, "Queue:")
		fmt.Fprintf(out, "  Waiting:   %d\n", c.Waiting)
		fmt.Fprintf(out, "  Delayed:   %d\n", c.Delayed)
		fmt.Fprintf(out, "  Active:    %d\n", c.Active)
		fmt.Fprintf(out, "  Completed: %d\n", c.Completed)
		fmt.Fprintf(out, "  Failed:    %d\n", c.Failed)
		return nil
	},
}

var queueJobCmd = &cobra.Command{
	Use:   "job [job-id]",
	Short: "Show a delivery job",
	Long:  `Show a delivery job. Job ids equal the event id they deliver.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var job queue.Job
		if err := doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(args[0]), nil, &job, nil); err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, job)
			return nil
		}
		fmt.Fprintf(out, "Job: %s\n", job.ID)
		fmt.Fprintf(out, "  State: %s\n", job.State)
		fmt.Fprintf(out, "  Attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
		fmt.Fprintf(out, "  Run at: %s\n", job.RunAt.Format("2006-01-02 15:04:05"))
		if job.LeaseOwner != "" {
			fmt.Fprintf(out, "  Leased by: %s\n", job.LeaseOwner)
		}
		if job.LastError != "" {
			fmt.Fprintf(out, "  Last error: %s\n", job.LastError)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueJobCmd)
}
