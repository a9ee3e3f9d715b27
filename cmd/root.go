// Package cmd provides the studyloop CLI.
//
// Commands:
//   - serve: HTTP API server with SSE streaming
//   - mcp: expose the built-in toolkit as an MCP server over stdio
//   - migrate: apply database migrations and exit
//   - token: mint a development bearer token
//   - version: show version information
//
// All long-running commands shut down gracefully on SIGINT/SIGTERM via
// context cancellation.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version information, injected at build time via ldflags.
var (
	Version   = "development"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "studyloop",
	Short:         "StudyLoop - conversational study assistant service",
	Long:          "StudyLoop serves a tool-calling study assistant over HTTP with SSE streaming,\nbacked by PostgreSQL threads and MCP tool servers.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
