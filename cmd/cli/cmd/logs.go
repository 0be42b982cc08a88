package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var follow bool

var logsCmd = &cobra.Command{
	Use:   "logs [job_id]",
	Short: "Show or follow a job's log",
	Long: `Print the tail of a job's runner log, or follow it live.

Without --follow, the last lines of the log are printed and the command
exits. With --follow, log lines stream as the runner writes them and the
command ends once the job settles, printing its final state.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]
		client := NewJobClient(viper.GetString("url"))

		if !follow {
			lines, _ := cmd.Flags().GetInt("lines")
			tail, err := client.GetLogTail(jobID, lines)
			if err != nil {
				if apiErr, ok := err.(*APIError); ok {
					cmd.Printf("Request failed with status code: %d\n", apiErr.StatusCode)
				} else {
					cmd.Printf("Error fetching logs: %v\n", err)
				}
				return
			}
			cmd.Print(tail)
			return
		}

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			os.Exit(0)
		}()

		finalState, err := client.StreamLogs(jobID, func(line string) {
			cmd.Println(line)
		})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Request failed with status code: %d\n", apiErr.StatusCode)
			} else {
				cmd.Printf("Error streaming logs: %v\n", err)
			}
			return
		}
		if finalState != "" {
			cmd.Printf("── job settled: %s ──\n", finalState)
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output until the job settles")
	logsCmd.Flags().IntP("lines", "n", 0, "Number of tail lines to fetch (default: server side, 200)")
}
