// Package commands implements the clawfleet CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawfleet",
		Short: "clawfleet - declarative fleets of LLM agents",
		Long: `clawfleet supervises a declarative fleet of LLM agents: scheduled
and on-demand jobs with persisted output, config hot-reload, and
Discord/Slack chat bridges.

Examples:
  clawfleet init
  clawfleet serve --watch
  clawfleet trigger reporter daily --follow
  clawfleet jobs list --agent reporter
  clawfleet schedules disable reporter daily`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTriggerCmd(),
		newJobsCmd(),
		newAgentsCmd(),
		newSchedulesCmd(),
		newStatusCmd(),
		newInitCmd(),
		newConsoleCmd(),
		newSecretsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the fleet file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
