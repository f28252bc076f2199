// Package main provides the Quarry CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL  string
	apiKey     string
	tenant     string
	outputJSON bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry CLI for document ingestion, search, and answers",
	Long: `Quarry CLI talks to a running Quarry API server.

Use this tool to:
- Ingest files or URLs into a tenant's corpus
- Run the processing pipeline and watch job progress
- Search chunks and ask grounded questions
- Inspect documents and pipeline health

All commands support --json for automation.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("QUARRY_SERVER", "http://localhost:8080"), "API server base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("QUARRY_API_KEY"), "API key")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", envOr("QUARRY_TENANT", "default"), "tenant ID")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newDocsCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newJobCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
