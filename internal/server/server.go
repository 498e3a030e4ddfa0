package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusgate/nexusgate/internal/cache"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/handler"
	"github.com/nexusgate/nexusgate/internal/loadtest"
	"github.com/nexusgate/nexusgate/internal/mcp"
	"github.com/nexusgate/nexusgate/internal/resolver"
	"github.com/nexusgate/nexusgate/internal/retention"
	"github.com/nexusgate/nexusgate/internal/server/middleware"
	"github.com/nexusgate/nexusgate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	AuthRateLimit   int   // register/signin requests per IP per minute
	BaseURL         string
	Version         string
	EnableMCP       bool
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodySize:     1 * 1024 * 1024, // 1MB
		AuthRateLimit:   20,
		Version:         "dev",
	}
}

// Deps are the collaborators the server wires into its handlers. Retention
// and MCP are optional.
type Deps struct {
	Store     *config.Store
	AuthSvc   *service.AuthService
	Resolver  *resolver.Cached
	Cache     cache.Cache
	LoadTests *loadtest.Manager
	Retention *retention.Job
	MCP       *mcp.MCPServer
}

// Server is the top-level HTTP server for NexusGate. It owns the Chi router
// and the background jobs that live as long as it does.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	r.Use(middleware.Metrics)
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	// --- Probes, metrics and docs (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.BaseURL, s.cfg.Version).ServeSpec)

	store, inval := s.deps.Store, s.deps.Resolver
	users := handler.NewUserHandler(store, s.deps.AuthSvc)
	keys := handler.NewAPIKeyHandler(store, s.deps.AuthSvc, inval)
	routes := handler.NewRouteHandler(store, inval)
	limits := handler.NewRateLimitHandler(store, s.deps.Resolver, inval)
	logs := handler.NewLogHandler(store)
	loadTests := handler.NewLoadTestHandler(s.deps.LoadTests)
	overview := handler.NewOverviewHandler(store)

	// --- Credentials (per-IP limited) ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.cfg.AuthRateLimit))
		r.Post("/api/users/register", users.Register)
		r.Post("/api/users/signin", users.SignIn)
	})

	// --- Authenticated API ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(s.deps.AuthSvc))

		r.Get("/api/users/me", users.Me)
		r.Get("/api/keys", keys.ListAPIKeys)
		r.Get("/api/keys/validate", keys.ValidateAPIKey)
		r.Get("/api/keys/user/{userId}", keys.ListAPIKeysByUser)
		r.Get("/api/keys/{id}", keys.GetAPIKey)

		r.Get("/service-routes", routes.ListRoutes)
		r.Get("/service-routes/by-path", routes.GetRouteByPath)
		r.Get("/service-routes/{id}", routes.GetRoute)

		r.Get("/rate-limits", limits.ListRateLimits)
		r.Get("/rate-limits/check", limits.CheckRateLimit)
		r.Get("/rate-limits/by-api-key/{id}", limits.ListByAPIKey)
		r.Get("/rate-limits/by-service-route/{id}", limits.ListByRoute)
		r.Get("/rate-limits/{id}", limits.GetRateLimit)

		r.Get("/logs", logs.ListLogs)
		r.Get("/logs/summary", logs.Summary)

		r.Get("/load-test/status/{id}", loadTests.LoadTestStatus)
		r.Get("/load-test/results/{id}", loadTests.LoadTestResults)

		r.Get("/overview", overview.Overview)

		if s.cfg.EnableMCP && s.deps.MCP != nil {
			r.Handle("/mcp", s.deps.MCP.HTTPHandler())
		}

		// Writes require the admin role.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin())

			r.Get("/api/users", users.ListUsers)
			r.Put("/api/users/{id}", users.UpdateUser)

			r.Post("/api/keys", keys.CreateAPIKey)
			r.Put("/api/keys/{id}", keys.UpdateAPIKey)
			r.Patch("/api/keys/{id}/toggle", keys.ToggleAPIKey)
			r.Delete("/api/keys/{id}", keys.DeleteAPIKey)

			r.Post("/service-routes", routes.CreateRoute)
			r.Put("/service-routes/{id}", routes.UpdateRoute)
			r.Patch("/service-routes/{id}/toggle", routes.ToggleRoute)
			r.Put("/service-routes/{id}/telemetry", routes.UpdateTelemetry)
			r.Delete("/service-routes/{id}", routes.DeleteRoute)

			r.Post("/rate-limits", limits.CreateRateLimit)
			r.Put("/rate-limits/{id}", limits.UpdateRateLimit)
			r.Patch("/rate-limits/{id}/toggle", limits.ToggleRateLimit)
			r.Delete("/rate-limits/{id}", limits.DeleteRateLimit)

			r.Post("/logs", logs.CreateLog)

			r.Post("/load-test/start", loadTests.StartLoadTest)
			r.Post("/load-test/stop/{id}", loadTests.StopLoadTest)
			r.Delete("/load-test/stop/{id}", loadTests.StopLoadTest)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "No route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "Method "+r.Method+" not allowed on "+r.URL.Path)
	})

	s.router = r
}

// ListenAndServe serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) ListenAndServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run starts the background jobs and the listener, and blocks until ctx is
// done or the listener fails. In-flight requests get cfg.ShutdownTimeout to
// finish before the jobs are stopped.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if job := s.deps.Retention; job != nil {
		if err := job.Start(); err != nil {
			return err
		}
	}

	listenErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpServer.Addr, "mcp", s.cfg.EnableMCP && s.deps.MCP != nil)
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		listenErr <- err
	}()

	select {
	case err := <-listenErr:
		s.stopBackground(context.Background())
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "timeout", s.cfg.ShutdownTimeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(drainCtx)
	s.stopBackground(drainCtx)
	if err != nil {
		return fmt.Errorf("drain connections: %w", err)
	}
	s.logger.Info("stopped")
	return nil
}

func (s *Server) stopBackground(ctx context.Context) {
	if job := s.deps.Retention; job != nil {
		job.Stop(ctx)
	}
	if m := s.deps.LoadTests; m != nil {
		m.Close()
	}
}

// Router exposes the mounted routes so tests can walk them.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
