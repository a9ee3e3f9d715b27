// Package mcpserve exposes the built-in toolkit as a Model Context
// Protocol server, so external hosts (editors, other agents) can call
// the same date and grade helpers the chat service binds natively.
package mcpserve

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/studyloop/studyloop/internal/tools"
)

// Server wraps the MCP SDK server around a tools.Kit.
type Server struct {
	mcpServer *mcp.Server
	kit       *tools.Kit
	name      string
	version   string
}

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string
	Kit     *tools.Kit
}

// NewServer creates an MCP server with all built-in tools registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if cfg.Kit == nil {
		return nil, fmt.Errorf("tool kit is required")
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		kit:     cfg.Kit,
		name:    cfg.Name,
		version: cfg.Version,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Run serves the MCP protocol on the given transport. Blocks until the
// transport closes or ctx is canceled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

// daysUntilInput mirrors tools.DaysUntilInput with schema annotations.
type daysUntilInput struct {
	Date string `json:"date" jsonschema:"Target date in YYYY-MM-DD format"`
}

// gradeAverageInput mirrors tools.GradeAverageInput with schema annotations.
type gradeAverageInput struct {
	Grades []gradeInput `json:"grades" jsonschema:"Course results to average"`
}

type gradeInput struct {
	Score   float64 `json:"score" jsonschema:"Grade received in the course"`
	Credits float64 `json:"credits" jsonschema:"Credit weight of the course"`
}

func (s *Server) registerTools() error {
	if err := s.registerCurrentDatetime(); err != nil {
		return fmt.Errorf("currentDatetime: %w", err)
	}
	if err := s.registerDaysUntil(); err != nil {
		return fmt.Errorf("daysUntil: %w", err)
	}
	if err := s.registerGradeAverage(); err != nil {
		return fmt.Errorf("gradeAverage: %w", err)
	}
	return nil
}

func (s *Server) registerCurrentDatetime() error {
	inputSchema, err := jsonschema.For[struct{}](nil)
	if err != nil {
		return fmt.Errorf("failed to create input schema: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "currentDatetime",
		Description: "Get the current date and time, including the day of week.",
		InputSchema: inputSchema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in struct{}) (*mcp.CallToolResult, tools.DatetimeOutput, error) {
		out, err := s.kit.CurrentDatetime(nil, in)
		if err != nil {
			return nil, tools.DatetimeOutput{}, err
		}
		return nil, out, nil
	})
	return nil
}

func (s *Server) registerDaysUntil() error {
	inputSchema, err := jsonschema.For[daysUntilInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create input schema: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "daysUntil",
		Description: "Count the days from today until a given date (format: YYYY-MM-DD). Negative for past dates.",
		InputSchema: inputSchema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in daysUntilInput) (*mcp.CallToolResult, tools.DaysUntilOutput, error) {
		out, err := s.kit.DaysUntil(nil, tools.DaysUntilInput{Date: in.Date})
		if err != nil {
			// Bad date format is an agent error, not a protocol failure.
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, tools.DaysUntilOutput{}, nil
		}
		return nil, out, nil
	})
	return nil
}

func (s *Server) registerGradeAverage() error {
	inputSchema, err := jsonschema.For[gradeAverageInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create input schema: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "gradeAverage",
		Description: "Compute a credit-weighted grade average from a list of grades. Each entry has a score and the number of credits of the course.",
		InputSchema: inputSchema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in gradeAverageInput) (*mcp.CallToolResult, tools.GradeAverageOutput, error) {
		grades := make([]tools.Grade, len(in.Grades))
		for i, g := range in.Grades {
			grades[i] = tools.Grade{Score: g.Score, Credits: g.Credits}
		}

		out, err := s.kit.GradeAverage(nil, tools.GradeAverageInput{Grades: grades})
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, tools.GradeAverageOutput{}, nil
		}
		return nil, out, nil
	})
	return nil
}
