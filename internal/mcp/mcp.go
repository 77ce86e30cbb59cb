// Package mcp implements the Model Context Protocol server for Kobai.
//
// MCP-speaking chat clients get the same tool vocabulary as POST /v1/tool-calls
// (each MCP call is a one-call batch through the same resolver) plus read-only
// resources for workflow templates and drafts.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kobai/internal/ctxutil"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/service/drafts"
	"github.com/ashita-ai/kobai/internal/service/tools"
	"github.com/ashita-ai/kobai/internal/service/workflows"
)

// Server wraps the MCP server with Kobai's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	resolver  *tools.Resolver
	drafts    *drafts.Service
	workflows *workflows.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(resolver *tools.Resolver, draftSvc *drafts.Service, workflowSvc *workflows.Service, logger *slog.Logger, version string) (*Server, error) {
	s := &Server{
		resolver:  resolver,
		drafts:    draftSvc,
		workflows: workflowSvc,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kobai",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
	)

	s.registerResources()
	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// actor returns the authenticated caller the HTTP auth middleware stored.
func actor(ctx context.Context) (model.Actor, error) {
	a, ok := ctxutil.ActorFromContext(ctx)
	if !ok {
		return model.Actor{}, fmt.Errorf("mcp: no authenticated caller: %w", model.ErrForbidden)
	}
	return a, nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
