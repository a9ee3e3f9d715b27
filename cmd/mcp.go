package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/mcpserve"
	"github.com/studyloop/studyloop/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the built-in toolkit over MCP stdio",
	Long:  "Runs an MCP server on stdio exposing the built-in date and grade tools,\nfor use from editors and other MCP hosts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// stdout carries JSON-RPC; logs must go to stderr.
	logger := log.NewWithWriter(os.Stderr, log.Config{})

	server, err := mcpserve.NewServer(mcpserve.Config{
		Name:    "studyloop-tools",
		Version: Version,
		Kit:     tools.NewKit(logger),
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	logger.Info("MCP server ready", "name", "studyloop-tools", "version", Version, "transport", "stdio")
	if err := server.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
