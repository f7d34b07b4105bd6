package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "semcached",
	Short: "Semantic cache daemon",
	Long: `semcached serves a semantic cache over HTTP.

Clients supply embeddings; the daemon stores entries across a scalar
and a vector backend, answers nearest-neighbor searches, and manages
soft deletion, compaction, and eviction.`,
	Version: version,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
