// Package config loads server configuration from the environment.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `env:", prefix=SERVER_"`
	DB     DBConfig     `env:", prefix=DB_"`
	Audit  AuditConfig  `env:", prefix=AUDIT_"`
	Engine EngineConfig `env:", prefix=ENGINE_"`
	Log    LogConfig    `env:", prefix=LOG_"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `env:"ADDR, default=:8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=10s"`
}

// DBConfig selects and configures the ledger backend.
type DBConfig struct {
	Driver      string `env:"DRIVER, default=sqlite"`
	SQLitePath  string `env:"SQLITE_PATH, default=./data/coin.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`
}

// AuditConfig controls the scheduled conservation audits.
type AuditConfig struct {
	Enabled  bool   `env:"ENABLED, default=true"`
	Schedule string `env:"SCHEDULE, default=@hourly"`
}

// EngineConfig tunes the conflict retry loop.
type EngineConfig struct {
	RetryAttempts int           `env:"RETRY_ATTEMPTS, default=4"`
	RetryBackoff  time.Duration `env:"RETRY_BACKOFF, default=25ms"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `env:"LEVEL, default=info"`
	Pretty bool   `env:"PRETTY, default=false"`
}

// Load reads the configuration from the environment.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case DriverSQLite:
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("config: DB_SQLITE_PATH required for sqlite driver")
		}
	case DriverPostgres:
		if c.DB.PostgresDSN == "" {
			return fmt.Errorf("config: DB_POSTGRES_DSN required for postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q (want sqlite or postgres)", c.DB.Driver)
	}
	if c.Engine.RetryAttempts < 1 {
		return fmt.Errorf("config: ENGINE_RETRY_ATTEMPTS must be at least 1")
	}
	return nil
}
