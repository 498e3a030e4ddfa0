package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nexusgate/nexusgate/internal/cache"
	"github.com/nexusgate/nexusgate/internal/client"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/resolver"
)

var (
	// dataDir holds the --data-dir persistent flag value (set on root command).
	dataDir string
	// serverURL holds the --server persistent flag value.
	serverURL string
)

// resolveDataDir returns the data directory from --data-dir flag,
// NEXUSGATE_DATA_DIR env var, or ~/.nexusgate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("NEXUSGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nexusgate")
}

// setDefaults registers every key of the default YAML config with viper so
// env vars resolve even without a config file.
func setDefaults() {
	d := config.DefaultYAMLConfig()
	viper.SetDefault("server.host", d.Server.Host)
	viper.SetDefault("server.port", d.Server.Port)
	viper.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	viper.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	viper.SetDefault("server.max_body_size", 1<<20)
	viper.SetDefault("server.auth_rate_limit", 20)
	viper.SetDefault("auth.jwt_expiry", d.Auth.JWTExpiry)
	viper.SetDefault("database.driver", d.Database.Driver)
	viper.SetDefault("cache.ttl", d.Cache.TTL)
	viper.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	viper.SetDefault("limits.per_minute", d.Limits.RequestsPerMinute)
	viper.SetDefault("limits.per_hour", d.Limits.RequestsPerHour)
	viper.SetDefault("limits.per_day", d.Limits.RequestsPerDay)
	viper.SetDefault("retention.schedule", d.Retention.Schedule)
	viper.SetDefault("retention.max_age", d.Retention.MaxAge)
	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.format", d.Logging.Format)
	viper.SetDefault("mcp.enabled", true)
}

// openStore opens the configured store backend. SQLite without an explicit
// DSN lives under the data directory.
func openStore() (*config.Store, error) {
	driver := viper.GetString("database.driver")
	dsn := viper.GetString("database.dsn")
	if (driver == "" || driver == config.DriverSQLite) && dsn == "" {
		return config.NewStore(resolveDataDir())
	}
	return config.Open(driver, dsn)
}

// newLogger builds the process logger from logging.level and logging.format.
// dev forces debug output.
func newLogger(w io.Writer, dev bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("logging.level"))); err != nil {
		level = slog.LevelInfo
	}
	if dev {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("logging.format"), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// durationSetting reads a duration key, falling back to def when it is unset
// or malformed.
func durationSetting(key string, def time.Duration) time.Duration {
	raw := viper.GetString(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// openCache returns the Redis cache when cache.redis_url is set and an
// in-process LRU otherwise.
func openCache(ctx context.Context) (cache.Cache, error) {
	if url := viper.GetString("cache.redis_url"); url != "" {
		r, err := cache.NewRedis(ctx, url)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return cache.NewMemory(viper.GetInt("cache.max_entries")), nil
}

// newResolver returns the cached resolver used by serve and mcp. The
// built-in fallback comes from the limits.* settings.
func newResolver(store *config.Store, c cache.Cache) *resolver.Cached {
	fallback := model.Limits{
		RequestsPerMinute: viper.GetInt("limits.per_minute"),
		RequestsPerHour:   viper.GetInt("limits.per_hour"),
		RequestsPerDay:    viper.GetInt("limits.per_day"),
	}
	return resolver.NewCached(resolver.New(store, fallback), cache.NewLoader(c, durationSetting("cache.ttl", 5*time.Minute)))
}

// --- API client ---

func sessionFilePath() string {
	return filepath.Join(resolveDataDir(), "session.json")
}

func resolveServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if env := os.Getenv("NEXUSGATE_SERVER"); env != "" {
		return env
	}
	host := viper.GetString("server.host")
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, viper.GetInt("server.port"))
}

// newAPIClient returns a client for the running control plane, carrying the
// session saved by 'nexusgate login'.
func newAPIClient() (*client.Client, error) {
	session, err := client.LoadSession(sessionFilePath())
	if err != nil {
		return nil, err
	}
	return client.New(resolveServerURL(),
		client.WithSession(session),
		client.WithUserAgent("nexusgate-cli/"+versionString()),
	), nil
}

// requireSession fails early with a hint when no one is logged in.
func requireSession(c *client.Client) error {
	if !c.Session().Authenticated() {
		return fmt.Errorf("not logged in; run 'nexusgate login' first")
	}
	return nil
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "nexusgate.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "nexusgate.log")
}

// --- Output ---

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func idOrDash(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}
