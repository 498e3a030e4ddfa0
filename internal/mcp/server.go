package mcp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/resolver"
)

// Checker resolves the effective limit for a key/route pair.
type Checker interface {
	Resolve(ctx context.Context, q resolver.Query) (*model.RateLimitCheckResult, error)
}

// MCPServer wraps the mcp-go server with NexusGate tool and resource
// registrations. It gives AI agents read access to routes, keys, limits and
// the violation log, and lets them resolve effective limits.
type MCPServer struct {
	store   *config.Store
	checker Checker
	logger  *slog.Logger
	server  *server.MCPServer
}

// NewMCPServer creates an MCPServer with every tool and resource registered.
// The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(store *config.Store, checker Checker, version string, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:   store,
		checker: checker,
		logger:  logger,
	}

	mcpServer := server.NewMCPServer(
		"NexusGate",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects. This
// is how desktop agents launch the server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP serves MCP in Streamable HTTP mode on addr (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// HTTPHandler returns a Streamable HTTP handler for mounting the MCP endpoint
// on an existing router.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}
