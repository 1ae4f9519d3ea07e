// Package cli implements the tiresense command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tiresense",
	Short: "tiresense — tire telemetry self-healing control plane",
	Long: `tiresense ingests tire sensor telemetry, scores it for anomalies,
fuses verdicts into ranked incidents, and drives cooldown-governed
recovery actions against the platform orchestrator.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
