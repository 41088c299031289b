// Package cli holds the patchline commands.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagServer string
)

var rootCmd = &cobra.Command{
	Use:   "patchline",
	Short: "Feedback-driven code improvement agent",
	Long: "patchline — turns user feedback into tested code changes.\n" +
		"It analyzes each feedback, plans and applies a change, runs browser\nchecks and publishes the result, all behind a token circuit breaker.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "patchline.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "patchline server URL (client commands)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(circuitCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(versionCmd)
}
