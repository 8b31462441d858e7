// Command server runs the retail ingestion API and its worker subprocess.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var configDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "retailingest",
	Short: "Bulk sales spreadsheet ingestion for retail analytics",
	Long: `retailingest accepts CSV and XLSX sales exports per tenant, validates
each row and loads accepted rows into PostgreSQL in batches.

Run without a subcommand to start the HTTP server.`,
	Version:      fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", ".", "Directory containing config.yaml and .env files")
}
