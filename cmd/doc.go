// Package cmd implements the command-line interface for health-record-mcp.
//
// This package provides the following commands:
//   - serve: Start the OAuth broker and MCP server
//   - version: Display version information
package cmd
