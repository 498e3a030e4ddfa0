package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nexusgate/nexusgate/internal/loadtest"
	"github.com/nexusgate/nexusgate/internal/mcp"
	"github.com/nexusgate/nexusgate/internal/retention"
	"github.com/nexusgate/nexusgate/internal/server"
	"github.com/nexusgate/nexusgate/internal/service"
)

const banner = `
 _  _                  ___       _
| \| |_____ ___  _ ___/ __|__ _| |_ ___
| .' / -_) \ / || (_-< (_ / _' |  _/ -_)
|_|\_\___/_\_\\_,_/__/\___\__,_|\__\___|
`

const devJWTSecret = "nexusgate-dev-secret-change-me"

func newServeCmd() *cobra.Command {
	var (
		port   int
		host   string
		dev    bool
		daemon bool
		noMCP  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the NexusGate control plane",
		Long: `Start the HTTP server that manages service routes, API keys and rate limits,
answers rate-limit checks, records violations and runs load tests.`,
		Example: `  nexusgate serve
  nexusgate serve --port 9090 --dev
  nexusgate serve --daemon   # run in the background, stop with 'nexusgate stop'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return runDaemon(os.Args[1:])
			}
			return runServe(cmd.OutOrStdout(), dev, !noMCP)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Run the server in the background")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "Do not mount the MCP endpoint at /mcp")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(out io.Writer, dev, enableMCP bool) error {
	fmt.Fprint(out, banner)
	fmt.Fprintln(out)

	logger := newLogger(os.Stderr, dev)
	ctx := context.Background()

	// 1. Store
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()
	logger.Info("store initialized", "driver", store.Driver())

	// 2. Auth
	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		logger.Warn("auth.jwt_secret is not set; using the development secret")
		jwtSecret = devJWTSecret
	}
	authSvc := service.NewAuthService(store, jwtSecret, durationSetting("auth.jwt_expiry", 24*time.Hour))

	hasUser, err := store.HasAnyUser(ctx)
	if err != nil {
		logger.Warn("failed to check for users", "error", err)
	}
	if !hasUser {
		logger.Warn("no users yet - the first account registered becomes admin (nexusgate user create)")
	}

	// 3. Resolution cache
	c, err := openCache(ctx)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer c.Close()

	res := newResolver(store, c)

	// 4. Background work
	loadTests := loadtest.NewManager(nil, logger)
	pruner, err := retention.New(store,
		viper.GetString("retention.schedule"),
		durationSetting("retention.max_age", retention.DefaultMaxAge),
		logger)
	if err != nil {
		return err
	}

	var mcpSrv *mcp.MCPServer
	if enableMCP && viper.GetBool("mcp.enabled") {
		mcpSrv = mcp.NewMCPServer(store, res, versionString(), logger)
	}

	// 5. HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = viper.GetString("server.host")
	srvCfg.Port = viper.GetInt("server.port")
	srvCfg.ShutdownTimeout = durationSetting("server.shutdown_timeout", srvCfg.ShutdownTimeout)
	if origins := viper.GetStringSlice("server.cors_origins"); len(origins) > 0 {
		srvCfg.CORSOrigins = origins
	}
	srvCfg.MaxBodySize = viper.GetInt64("server.max_body_size")
	srvCfg.AuthRateLimit = viper.GetInt("server.auth_rate_limit")
	srvCfg.BaseURL = viper.GetString("server.base_url")
	srvCfg.Version = versionString()
	srvCfg.EnableMCP = mcpSrv != nil

	srv := server.New(srvCfg, server.Deps{
		Store:     store,
		AuthSvc:   authSvc,
		Resolver:  res,
		Cache:     c,
		LoadTests: loadTests,
		Retention: pruner,
		MCP:       mcpSrv,
	}, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePID()

	fmt.Fprintf(out, "→ NexusGate %s\n", versionString())
	fmt.Fprintf(out, "→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(out, "→ OpenAPI:    http://%s:%d/openapi.json\n", srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(out, "→ Health:     http://%s:%d/healthz\n", srvCfg.Host, srvCfg.Port)
	if mcpSrv != nil {
		fmt.Fprintf(out, "→ MCP:        http://%s:%d/mcp\n", srvCfg.Host, srvCfg.Port)
	}
	fmt.Fprintln(out)

	return srv.ListenAndServe()
}

// runDaemon re-executes the binary without --daemon, detached from the
// terminal, with output appended to the log file.
func runDaemon(args []string) error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, withoutFlag(args, "--daemon")...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := writePID(child.Process.Pid); err != nil {
		return err
	}

	fmt.Printf("NexusGate started in the background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop: nexusgate stop")
	return child.Process.Release()
}

func withoutFlag(args []string, flag string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == flag || a == flag+"=true" {
			continue
		}
		out = append(out, a)
	}
	return out
}
