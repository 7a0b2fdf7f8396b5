package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sequencer",
	Short: "Privacy rollup sequencer",
	Long:  "Batches client proofs into rollups, publishes them to the rollup contract and tracks the settled world state",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
