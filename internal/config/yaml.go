package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	"github.com/nexusgate/nexusgate/internal/model"
)

// YAMLConfig represents the top-level nexusgate configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Limits    model.Limits    `yaml:"limits"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTExpiry string `yaml:"jwt_expiry"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CacheConfig controls the resolution cache.
type CacheConfig struct {
	RedisURL   string `yaml:"redis_url"`
	TTL        string `yaml:"ttl"`
	MaxEntries int    `yaml:"max_entries"`
}

// RetentionConfig controls violation log pruning.
type RetentionConfig struct {
	Schedule string `yaml:"schedule"`
	MaxAge   string `yaml:"max_age"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORSOrigins:     []string{"*"},
		},
		Auth: AuthConfig{
			JWTExpiry: "24h",
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
		},
		Cache: CacheConfig{
			TTL:        "5m",
			MaxEntries: 10000,
		},
		Limits: model.DefaultLimits(),
		Retention: RetentionConfig{
			Schedule: "@hourly",
			MaxAge:   "720h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ---------------------------------------------------------------------------
// Route manifests
// ---------------------------------------------------------------------------

// Manifest declares routes and their default limits in a YAML file:
//
//	system_default:
//	  per_minute: 60
//	  per_hour: 1000
//	  per_day: 10000
//	routes:
//	  - name: orders
//	    path: /orders
//	    target_url: http://orders.internal:8080
//	    methods: [GET, POST]
//	    limit:
//	      per_minute: 100
//	      per_hour: 2000
//	      per_day: 20000
type Manifest struct {
	SystemDefault *model.Limits `yaml:"system_default"`
	Routes        []RouteYAML   `yaml:"routes"`
}

// RouteYAML defines one route in a manifest.
type RouteYAML struct {
	Name              string        `yaml:"name"`
	Path              string        `yaml:"path"`
	TargetURL         string        `yaml:"target_url"`
	Methods           []string      `yaml:"methods"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RequestsPerHour   int           `yaml:"requests_per_hour"`
	Notes             string        `yaml:"notes"`
	Limit             *model.Limits `yaml:"limit"`
}

// ImportResult counts what ApplyManifest changed.
type ImportResult struct {
	RoutesCreated int `json:"routesCreated"`
	RoutesUpdated int `json:"routesUpdated"`
	LimitsCreated int `json:"limitsCreated"`
	LimitsUpdated int `json:"limitsUpdated"`
}

// LoadManifest reads and parses a route manifest. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing. Every
// route and limit is checked with the rules the API applies, so a bad entry
// fails the whole file before anything is written.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	content := os.ExpandEnv(string(data))

	var m Manifest
	if err := yaml.Unmarshal([]byte(content), &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every entry of the manifest.
func (m *Manifest) Validate() error {
	for i, ry := range m.Routes {
		if err := ValidateRoute(ry.toModel()); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if ry.Limit != nil {
			if err := validateLimits(*ry.Limit); err != nil {
				return fmt.Errorf("route %d limit: %w", i, err)
			}
		}
	}
	if m.SystemDefault != nil {
		if err := validateLimits(*m.SystemDefault); err != nil {
			return fmt.Errorf("system_default: %w", err)
		}
	}
	return nil
}

func validateLimits(l model.Limits) error {
	return ValidateRateLimit(&model.RateLimit{
		RequestsPerMinute: l.RequestsPerMinute,
		RequestsPerHour:   l.RequestsPerHour,
		RequestsPerDay:    l.RequestsPerDay,
		Algorithm:         model.AlgorithmTokenBucket,
	})
}

// toModel fills the defaults the API would: GET only, and the fallback
// quotas when none are given.
func (ry RouteYAML) toModel() *model.ServiceRoute {
	methods := make([]string, 0, len(ry.Methods))
	for _, m := range ry.Methods {
		methods = append(methods, strings.ToUpper(strings.TrimSpace(m)))
	}
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	defaults := model.DefaultLimits()
	route := &model.ServiceRoute{
		Name:              strings.TrimSpace(ry.Name),
		Path:              ry.Path,
		TargetURL:         ry.TargetURL,
		AllowedMethods:    methods,
		RequestsPerMinute: ry.RequestsPerMinute,
		RequestsPerHour:   ry.RequestsPerHour,
		IsActive:          true,
		Notes:             ry.Notes,
	}
	if route.RequestsPerMinute <= 0 {
		route.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if route.RequestsPerHour <= 0 {
		route.RequestsPerHour = defaults.RequestsPerHour
	}
	return route
}

// ApplyManifest creates or updates the manifest's routes (matched by path
// among active routes) and their ROUTE_DEFAULT limits, then the global
// default. It runs in one transaction: on error nothing is kept.
func (s *Store) ApplyManifest(ctx context.Context, m *Manifest) (*ImportResult, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	res := &ImportResult{}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, ry := range m.Routes {
			route, created, err := s.upsertRoute(ctx, tx, ry.toModel())
			if err != nil {
				return fmt.Errorf("route %s: %w", ry.Path, err)
			}
			res.countRoute(created)
			if ry.Limit != nil {
				created, err := s.upsertScopedLimit(ctx, tx, &route.ID, route.Name+" default", *ry.Limit)
				if err != nil {
					return fmt.Errorf("route %s limit: %w", ry.Path, err)
				}
				res.countLimit(created)
			}
		}
		if m.SystemDefault != nil {
			created, err := s.upsertScopedLimit(ctx, tx, nil, "system default", *m.SystemDefault)
			if err != nil {
				return fmt.Errorf("system default: %w", err)
			}
			res.countLimit(created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *ImportResult) countRoute(created bool) {
	if created {
		r.RoutesCreated++
	} else {
		r.RoutesUpdated++
	}
}

func (r *ImportResult) countLimit(created bool) {
	if created {
		r.LimitsCreated++
	} else {
		r.LimitsUpdated++
	}
}

func (s *Store) upsertRoute(ctx context.Context, tx *sqlx.Tx, want *model.ServiceRoute) (*model.ServiceRoute, bool, error) {
	existing, err := s.routeByPath(ctx, tx, want.Path)
	if err == nil && existing.IsActive {
		existing.Name = want.Name
		existing.TargetURL = want.TargetURL
		existing.AllowedMethods = want.AllowedMethods
		existing.RequestsPerMinute = want.RequestsPerMinute
		existing.RequestsPerHour = want.RequestsPerHour
		existing.Notes = want.Notes
		if err := s.updateRoute(ctx, tx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err := s.createRoute(ctx, tx, want); err != nil {
		return nil, false, err
	}
	return want, true, nil
}

// upsertScopedLimit sets the quotas of the active key-less record for
// routeID (nil for the global default), creating it when missing.
func (s *Store) upsertScopedLimit(ctx context.Context, tx *sqlx.Tx, routeID *int64, name string, l model.Limits) (bool, error) {
	existing, err := s.findActiveRateLimit(ctx, tx, nil, routeID)
	if err == nil {
		existing.RequestsPerMinute = l.RequestsPerMinute
		existing.RequestsPerHour = l.RequestsPerHour
		existing.RequestsPerDay = l.RequestsPerDay
		return false, s.updateRateLimit(ctx, tx, existing)
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	rl := &model.RateLimit{
		Name:              name,
		ServiceRouteID:    routeID,
		RequestsPerMinute: l.RequestsPerMinute,
		RequestsPerHour:   l.RequestsPerHour,
		RequestsPerDay:    l.RequestsPerDay,
		Algorithm:         model.AlgorithmTokenBucket,
		IsActive:          true,
	}
	return true, s.createRateLimit(ctx, tx, rl)
}
