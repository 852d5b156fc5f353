package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped into every finding's orchestrator_version field.
const version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the anchor version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("anchor", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
