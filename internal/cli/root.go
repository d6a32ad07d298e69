// Package cli implements the orchestrator binary's admin commands.
// Grounded on andymwolf-agentium's internal/cli: a package-level
// rootCmd each subcommand file registers itself with in init(), viper
// bound to environment variables with a PAID prefix instead of a YAML
// project file (this engine has no per-repo config file of its own).
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "orchestrator manages projects and agent runs for the GitHub coding agent engine",
	Long: `orchestrator is the administrative CLI for the autonomous coding agent
engine: register projects and GitHub tokens, and start or stop a
project's poll workflow.

Example:
  orchestrator projects add --account 1 --owner acme --repo widgets --token 1
  orchestrator poll start --project 1
  orchestrator poll stop --project 1`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("cli error: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	viper.SetEnvPrefix("PAID")
	viper.AutomaticEnv()
}
