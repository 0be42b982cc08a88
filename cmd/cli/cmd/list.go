package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs known to the engine, newest first.

Filters combine: --state narrows to the given lifecycle states and can
repeat, --stalled keeps only running jobs whose heartbeat has gone quiet,
and --limit caps the result count.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewJobClient(viper.GetString("url"))

		states, _ := cmd.Flags().GetStringSlice("state")
		limit, _ := cmd.Flags().GetInt("limit")

		var stalled *bool
		if cmd.Flags().Changed("stalled") {
			v, _ := cmd.Flags().GetBool("stalled")
			stalled = &v
		}

		result, err := client.ListJobs(states, stalled, limit)
		if err != nil {
			cmd.Printf("Error fetching jobs: %s\n", err)
			os.Exit(1)
		}

		if result.Count == 0 {
			cmd.Println("No jobs found.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tSTATE\tRETRIES\tAGE\tSOURCE\tREASON")
		for _, job := range result.Jobs {
			reason := job.FailureReason
			if len(reason) > 50 {
				// Truncate long reasons for the table view
				reason = reason[:47] + "..."
			}
			state := job.State
			if job.Stalled {
				state += " (stalled)"
			}

			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				job.JobID,
				state,
				job.Retries,
				formatAge(job.AgeSeconds),
				job.SourceRef,
				reason,
			)
		}
		w.Flush()
	},
}

func formatAge(seconds int64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	case seconds < 24*3600:
		return fmt.Sprintf("%dh", seconds/3600)
	default:
		return fmt.Sprintf("%dd", seconds/(24*3600))
	}
}

func init() {
	listCmd.Flags().StringSlice("state", []string{}, "Filter by lifecycle state (repeatable)")
	listCmd.Flags().Bool("stalled", false, "Only running jobs with a stale heartbeat")
	listCmd.Flags().IntP("limit", "l", 0, "Maximum number of jobs to return (default: server side, 50)")

	rootCmd.AddCommand(listCmd)
}
