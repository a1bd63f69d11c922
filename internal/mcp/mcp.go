// Package mcp exposes read-only operator tools over the Model Context
// Protocol: job status, the agent roster and per-group usage.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/vlhc/tunelab/internal/jobmanager"
	"github.com/vlhc/tunelab/internal/model"
)

// Monitor is the view of the Job Manager the tools read from.
type Monitor interface {
	Overview() jobmanager.Overview
	Job(ctx context.Context, id int64) (*model.Job, error)
	Agents() []*model.Agent
}

// Server wraps the mcp-go server.
type Server struct {
	mcpServer *mcpserver.MCPServer
	mon       Monitor
	logger    *slog.Logger
}

// New creates an MCP server with all resources and tools registered.
func New(mon Monitor, logger *slog.Logger, version string) *Server {
	s := &Server{mon: mon, logger: logger}
	s.mcpServer = mcpserver.NewMCPServer(
		"tunelab",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
	)
	s.registerResources()
	s.registerTools()
	return s
}

// MCPServer returns the underlying server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result"), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
