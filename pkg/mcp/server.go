// Package mcp exposes the diagram pipeline to agents as MCP tools over
// stdio.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/mermend/internal/engine"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine  *engine.Orchestrator
	Version string
	Logger  *slog.Logger
}

// Server wraps an MCP server with diagram tool handlers.
type Server struct {
	engine    *engine.Orchestrator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all four tools registered.
func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("mcp: engine is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine: deps.Engine,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"mermend",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Mermend repairs and renders diagram definitions (Mermaid, Vega-Lite, chart specs). Use diagram.check to see whether a definition is complete, diagram.repair to fix common model mistakes, diagram.render to draw it, and diagram.grammars to list what can be drawn."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: repairTool(), Handler: s.handleRepair},
		{Tool: checkTool(), Handler: s.handleCheck},
		{Tool: renderTool(), Handler: s.handleRender},
		{Tool: grammarsTool(), Handler: s.handleGrammars},
	}
}
