package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexusgate/nexusgate/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the read-only MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that lets AI agents inspect
routes, API keys, rate limits and violations, and resolve effective limits.
Every tool is read-only.

In stdio mode, the server talks JSON-RPC over stdin/stdout, suitable for
desktop MCP clients. In http mode it listens on its own port with the
streamable HTTP transport. 'nexusgate serve' also mounts it at /mcp behind
bearer auth.`,
		Example: `  nexusgate mcp                              # stdio mode
  nexusgate mcp --transport http --port 3001  # standalone HTTP`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	// stdout carries the protocol in stdio mode, so logs go to stderr.
	logger := newLogger(os.Stderr, false)

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	c, err := openCache(context.Background())
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer c.Close()

	res := newResolver(store, c)

	srv := mcp.NewMCPServer(store, res, versionString(), logger)

	switch transport {
	case "stdio":
		return srv.ServeStdio()
	case "http":
		addr := fmt.Sprintf(":%d", port)
		logger.Info("starting MCP HTTP server", "addr", addr)
		return srv.ServeHTTP(addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
