package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dockctl",
	Short: "Dockctl is a command line tool for interacting with the jobdock engine",
	Long: `dockctl is the command-line interface for the jobdock job engine.

jobdock supervises external task runners over a filesystem-backed job
store. Task files dropped into the watched inbox, or work units submitted
here by source ref, become jobs that move through a claim/run/retry
lifecycle until they settle.

Common workflows:

  Submit a work unit by source ref:
    dockctl submit reports/2026-08.task

  Watch the queue:
    dockctl list --state queued --state running

  Check one job:
    dockctl status <job-id>

  Tail or follow its log:
    dockctl logs <job-id> --lines 50
    dockctl logs <job-id> --follow

  Ask a running job to stop:
    dockctl abort <job-id>

Configuration:
  Set the engine endpoint via flag, environment, or config file:
    JOBDOCK_URL    Engine API endpoint (default: http://127.0.0.1:8484)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".dockctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".dockctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "JOBDOCK_VARNAME"
	viper.SetEnvPrefix("JOBDOCK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dockctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://127.0.0.1:8484", "Engine API URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
