package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var abortCmd = &cobra.Command{
	Use:   "abort [job_id]",
	Short: "Ask a job to stop",
	Long: `Record an abort request for a job.

A queued job settles as aborted the next time the engine looks at it; a
running job's runner is asked to terminate and force killed if it does
not stop within the engine's grace period. Jobs that already settled
cannot be aborted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]

		client := NewJobClient(viper.GetString("url"))
		result, err := client.AbortJob(jobID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				switch apiErr.StatusCode {
				case http.StatusNotFound:
					cmd.Printf("Job %s not found\n", jobID)
				case http.StatusConflict:
					cmd.Printf("Job %s already finished\n", jobID)
				default:
					cmd.Printf("Abort failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
				}
			} else {
				cmd.Printf("Abort failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Abort requested for job %s (state: %s)\n", result.JobID, result.State)
	},
}

func init() {
	rootCmd.AddCommand(abortCmd)
}
