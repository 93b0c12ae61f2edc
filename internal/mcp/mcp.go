// Package mcp implements the Model Context Protocol server for the fleet
// orchestrator.
//
// The MCP server exposes the dispatch and query surface of the HTTP API as
// MCP tools and resources, so MCP-compatible agents can submit work and
// inspect robots without speaking the REST API.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/fleet/internal/service/dispatch"
	"github.com/ashita-ai/fleet/internal/service/fleet"
	"github.com/ashita-ai/fleet/internal/storage"
)

const serverInstructions = `Fleet orchestrator for warehouse robots.

Submit pickup/delivery requests together with per-robot target node lists
using submit_assignments. Each target becomes one job: a PICKUP when it is a
request's pickup node, a DELIVERY when it is a request's delivery node,
otherwise TRAVEL. Track progress with get_request and get_robot.`

// Server wraps the MCP server with the fleet service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	robots     *fleet.Registry
	dispatcher *dispatch.Dispatcher
	store      storage.Store
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(robots *fleet.Registry, dispatcher *dispatch.Dispatcher, store storage.Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		robots:     robots,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"fleet",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
