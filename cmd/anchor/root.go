package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Deterministic security-claim adjudicator",
	Long: `anchor drives a multi-stage audit pipeline over a Python repository:

  discover  seed a claim per manifest, diff, or hotspot file
  derive    turn each claim into checkable conditions
  exec      gather cited evidence via a sandboxed codex subprocess
  judge     resolve each condition against its accept/reject contract
  narrow    split stubborn conditions into sub-conditions

Every finding ends as TRUE_POSITIVE, FALSE_POSITIVE, or UNKNOWN, persisted
as JSON under a timestamped run directory.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env is the common case and not an error.
		_ = godotenv.Load()
	},
}

// Execute runs the root command, exiting non-zero on any failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}
