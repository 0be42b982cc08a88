package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobdock/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit [source_ref]",
	Short: "Claim a work unit as a job",
	Long: `Submit a work unit to the engine by its source ref.

The ref is the stable identity of the work unit, usually the name of a
task file. A ref with a live job already attached returns that job
instead of creating a second one, so submitting twice is safe.

Example:
  dockctl submit reports/2026-08.task
  dockctl submit cleanup.task --meta priority=high --meta team=infra`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sourceRef := args[0]
		metaPairs, _ := cmd.Flags().GetStringSlice("meta")

		metadata := make(map[string]string, len(metaPairs))
		for _, pair := range metaPairs {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || key == "" {
				cmd.Printf("Error: --meta needs key=value pairs, got %q\n", pair)
				return
			}
			metadata[key] = value
		}
		if len(metadata) == 0 {
			metadata = nil
		}

		client := NewJobClient(viper.GetString("url"))

		result, err := client.SubmitJob(api.SubmitJobRequest{
			SourceRef: sourceRef,
			Metadata:  metadata,
		})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		if result.AlreadyClaimed {
			cmd.Printf("Source already claimed by a live job.\nJob ID: %s\n", result.JobID)
			return
		}
		cmd.Printf("✓ Job submitted!\nJob ID: %s\n", result.JobID)
	},
}

func init() {
	submitCmd.Flags().StringSlice("meta", []string{}, "Metadata key=value pairs to carry on the job (repeatable)")

	rootCmd.AddCommand(submitCmd)
}
