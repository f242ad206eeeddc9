package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the health-record-mcp application
var rootCmd = &cobra.Command{
	Use:   "health-record-mcp",
	Short: "MCP server exposing a patient's health record to tool-calling clients",
	Long: `health-record-mcp brokers an OAuth 2.1 authorization code flow with PKCE
between an MCP client and a browser-side record retriever. Each completed
authorization opens an isolated session holding the retrieved FHIR record,
which the client can search, query with SQL and script against over MCP.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "health-record-mcp version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
