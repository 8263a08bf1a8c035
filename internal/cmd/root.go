// Package cmd holds the colabvibe CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	devMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "colabvibe",
	Short: "ColabVibe - multi-user AI coding agent sessions",
	Long: `ColabVibe orchestrates long-running AI coding-agent sessions for teams:
isolated reconnectable terminals backed by processes, tmux, or containers
(local and remote), plus streaming chat conversations with the agent CLI.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml config file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "development mode (verbose console logging)")
}
