// Package config loads the runtime's environment-variable configuration
// via envdecode, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full set of environment-driven settings for cmd/appserver.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Worker   WorkerConfig
	Metrics  MetricsConfig
	Schema   SchemaConfig
	Logging  LoggingConfig
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Host string `env:"SERVER_HOST"`
	Port int    `env:"SERVER_PORT"`
}

// DatabaseConfig controls the PostgreSQL connection.
type DatabaseConfig struct {
	URL             string `env:"DATABASE_URL"`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `env:"DATABASE_CONN_MAX_LIFETIME_SECONDS"`
}

// WorkerConfig controls claim/lease/retry behavior.
type WorkerConfig struct {
	WorkerID             string `env:"WORKER_ID"`
	LeaseDurationSeconds int    `env:"LEASE_DURATION_SECONDS"`
	IdlePollMS           int    `env:"IDLE_POLL_MS"`
	ReclaimCron          string `env:"RECLAIM_CRON"`
}

// MetricsConfig controls the ephemeral-session metrics collector.
type MetricsConfig struct {
	CollectorIntervalSeconds int `env:"METRICS_COLLECTOR_INTERVAL"`
}

// SchemaConfig gates startup on the migration ledger.
type SchemaConfig struct {
	AutoCreate         bool   `env:"XYN_AUTO_CREATE_SCHEMA"`
	RequiredMigrations string `env:"XYN_REQUIRED_MIGRATIONS"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"`
	Format string `env:"LOG_FORMAT"`
}

// Load reads .env (if present) then decodes environment variables into a
// Config populated with defaults; env always wins over file-sourced
// defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.Normalize()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Worker: WorkerConfig{
			LeaseDurationSeconds: 60,
			IdlePollMS:           500,
		},
		Metrics: MetricsConfig{CollectorIntervalSeconds: 5},
		Schema:  SchemaConfig{AutoCreate: true},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Normalize fills zero-valued worker, metrics, pool-size and logging fields
// with defaults and trims whitespace. Server host/port and
// ConnMaxLifetime are not filled here.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Database.URL = strings.TrimSpace(c.Database.URL)
	c.Worker.WorkerID = strings.TrimSpace(c.Worker.WorkerID)
	if c.Worker.WorkerID == "" {
		c.Worker.WorkerID = defaultWorkerID()
	}
	if c.Worker.LeaseDurationSeconds <= 0 {
		c.Worker.LeaseDurationSeconds = 60
	}
	if c.Worker.IdlePollMS <= 0 {
		c.Worker.IdlePollMS = 500
	}
	c.Worker.ReclaimCron = strings.TrimSpace(c.Worker.ReclaimCron)
	if c.Metrics.CollectorIntervalSeconds <= 0 {
		c.Metrics.CollectorIntervalSeconds = 5
	}
	c.Schema.RequiredMigrations = strings.TrimSpace(c.Schema.RequiredMigrations)
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// RequiredMigrationIDs splits the comma-separated XYN_REQUIRED_MIGRATIONS
// value into individual migration ids.
func (c *Config) RequiredMigrationIDs() []string {
	raw := c.Schema.RequiredMigrations
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
