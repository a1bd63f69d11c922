package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const statusURI = "tunelab://status"

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			statusURI,
			"Job Manager Status",
			mcplib.WithResourceDescription("Queue, live jobs and per-group agent usage"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatus,
	)
}

func (s *Server) handleStatus(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.mon.Overview(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal status: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
