package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "hubctl is a command line tool for interacting with a workerhub controller",
	Long: `hubctl is the command-line interface for workerhub.

workerhub pushes automation tasks to a pool of remote workers that hold a
persistent websocket connection to the controller. Producers submit tasks
over HTTP and track them by id.

Common workflows:

  Submit a task:
    hubctl submit meter_post --file meters.json

  Check a task, following it until it finishes:
    hubctl status <tracking-id> --watch

  Dashboard counters and the worker fleet:
    hubctl stats
    hubctl nodes

Configuration:
  Set the API endpoint and credentials via flags, environment variables or a config file:
    WORKERHUB_URL      Controller URL (default: http://localhost:6161)
    WORKERHUB_TOKEN    API token, if the controller requires one`,
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

		// Search config in home directory with name ".hubctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".hubctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "WORKERHUB_VARNAME"
	viper.SetEnvPrefix("WORKERHUB")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *HubClient {
	return NewHubClient(viper.GetString("url"), viper.GetString("token"))
}

// printAPIError reports a failed call the same way in every command.
func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hubctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "workerhub controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
