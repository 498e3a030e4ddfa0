package config

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	var migrations []string
	switch s.driver {
	case DriverPostgres:
		migrations = postgresMigrations
	case DriverMySQL:
		migrations = mysqlMigrations
	default:
		migrations = sqliteMigrations
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ADD COLUMN and CREATE INDEX fail when re-applied on some
			// backends; treat those as no-ops for idempotent migrations.
			msg := err.Error()
			if strings.Contains(msg, "duplicate column") ||
				strings.Contains(msg, "Duplicate column") ||
				strings.Contains(msg, "Duplicate key name") ||
				strings.Contains(msg, "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'viewer',
		is_active INTEGER NOT NULL DEFAULT 1,
		last_login_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS service_routes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		target_url TEXT NOT NULL,
		allowed_methods TEXT NOT NULL DEFAULT '["GET"]',
		requests_per_minute INTEGER NOT NULL DEFAULT 60,
		requests_per_hour INTEGER NOT NULL DEFAULT 1000,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
		notes TEXT NOT NULL DEFAULT '',
		p95_latency_ms REAL NOT NULL DEFAULT 0,
		error_rate REAL NOT NULL DEFAULT 0,
		requests_observed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key_hash TEXT UNIQUE NOT NULL,
		key_prefix TEXT NOT NULL,
		client_name TEXT NOT NULL,
		client_email TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		expires_at DATETIME,
		last_used DATETIME,
		created_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS rate_limits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		api_key_id INTEGER REFERENCES api_keys(id),
		service_route_id INTEGER REFERENCES service_routes(id),
		requests_per_minute INTEGER NOT NULL CHECK (requests_per_minute > 0),
		requests_per_hour INTEGER NOT NULL CHECK (requests_per_hour > 0),
		requests_per_day INTEGER NOT NULL CHECK (requests_per_day > 0),
		algorithm TEXT NOT NULL DEFAULT 'token-bucket',
		burst_enabled INTEGER NOT NULL DEFAULT 0,
		burst_size INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS violation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at DATETIME NOT NULL,
		api_name TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		violation_type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		details TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_service_routes_path ON service_routes(path)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limits_key ON rate_limits(api_key_id)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limits_route ON rate_limits(service_route_id)`,
	`CREATE INDEX IF NOT EXISTS idx_violation_logs_time ON violation_logs(occurred_at)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'viewer',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_login_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS service_routes (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		target_url TEXT NOT NULL,
		allowed_methods TEXT NOT NULL DEFAULT '["GET"]',
		requests_per_minute INTEGER NOT NULL DEFAULT 60,
		requests_per_hour INTEGER NOT NULL DEFAULT 1000,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
		notes TEXT NOT NULL DEFAULT '',
		p95_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		requests_observed BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id BIGSERIAL PRIMARY KEY,
		key_hash TEXT UNIQUE NOT NULL,
		key_prefix TEXT NOT NULL,
		client_name TEXT NOT NULL,
		client_email TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMPTZ,
		last_used TIMESTAMPTZ,
		created_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS rate_limits (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		api_key_id BIGINT REFERENCES api_keys(id),
		service_route_id BIGINT REFERENCES service_routes(id),
		requests_per_minute INTEGER NOT NULL CHECK (requests_per_minute > 0),
		requests_per_hour INTEGER NOT NULL CHECK (requests_per_hour > 0),
		requests_per_day INTEGER NOT NULL CHECK (requests_per_day > 0),
		algorithm TEXT NOT NULL DEFAULT 'token-bucket',
		burst_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		burst_size INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS violation_logs (
		id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		api_name TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		violation_type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		details TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_service_routes_path ON service_routes(path)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limits_key ON rate_limits(api_key_id)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limits_route ON rate_limits(service_route_id)`,
	`CREATE INDEX IF NOT EXISTS idx_violation_logs_time ON violation_logs(occurred_at)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS; re-runs fail with "Duplicate key
// name", which migrate ignores.
var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		email VARCHAR(255) UNIQUE NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(32) NOT NULL DEFAULT 'viewer',
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		last_login_at DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS service_routes (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		path VARCHAR(512) NOT NULL,
		target_url TEXT NOT NULL,
		allowed_methods TEXT NOT NULL,
		requests_per_minute INT NOT NULL DEFAULT 60,
		requests_per_hour INT NOT NULL DEFAULT 1000,
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		created_by BIGINT NULL,
		notes TEXT NOT NULL,
		p95_latency_ms DOUBLE NOT NULL DEFAULT 0,
		error_rate DOUBLE NOT NULL DEFAULT 0,
		requests_observed BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		FOREIGN KEY (created_by) REFERENCES users(id) ON DELETE SET NULL
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		key_hash CHAR(64) UNIQUE NOT NULL,
		key_prefix VARCHAR(32) NOT NULL,
		client_name VARCHAR(255) NOT NULL,
		client_email VARCHAR(255) NOT NULL DEFAULT '',
		company VARCHAR(255) NOT NULL DEFAULT '',
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		expires_at DATETIME(6) NULL,
		last_used DATETIME(6) NULL,
		created_by BIGINT NULL,
		notes TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		FOREIGN KEY (created_by) REFERENCES users(id) ON DELETE SET NULL
	)`,

	`CREATE TABLE IF NOT EXISTS rate_limits (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		api_key_id BIGINT NULL,
		service_route_id BIGINT NULL,
		requests_per_minute INT NOT NULL CHECK (requests_per_minute > 0),
		requests_per_hour INT NOT NULL CHECK (requests_per_hour > 0),
		requests_per_day INT NOT NULL CHECK (requests_per_day > 0),
		algorithm VARCHAR(32) NOT NULL DEFAULT 'token-bucket',
		burst_enabled TINYINT(1) NOT NULL DEFAULT 0,
		burst_size INT NOT NULL DEFAULT 0,
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		notes TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		FOREIGN KEY (api_key_id) REFERENCES api_keys(id),
		FOREIGN KEY (service_route_id) REFERENCES service_routes(id)
	)`,

	`CREATE TABLE IF NOT EXISTS violation_logs (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		occurred_at DATETIME(6) NOT NULL,
		api_name VARCHAR(255) NOT NULL DEFAULT '',
		endpoint VARCHAR(1024) NOT NULL DEFAULT '',
		violation_type VARCHAR(32) NOT NULL,
		source VARCHAR(255) NOT NULL DEFAULT '',
		status_code INT NOT NULL DEFAULT 0,
		details TEXT NOT NULL,
		request_id VARCHAR(64) NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		name VARCHAR(191) PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE INDEX idx_service_routes_path ON service_routes(path(191))`,
	`CREATE INDEX idx_violation_logs_time ON violation_logs(occurred_at)`,
}
