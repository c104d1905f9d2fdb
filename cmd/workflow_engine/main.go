// Package main provides the entry point for the workflow engine CLI and HTTP API server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "workflow_engine",
	Short: "Workflow Graph Execution Engine",
	Long: `Workflow engine executes user-authored graphs of content-generation nodes (video, brand, analyze,
extract, style, generate, refine, script, storyboard) in dependency order, metering each node
against the caller's credit balance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
