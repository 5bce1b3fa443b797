// ============================================================================
// drawerd Config - YAML file + environment overlay
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load, default and validate the controller configuration.
//
// Load order (later wins):
//   1. Built-in defaults (Default())
//   2. YAML file (optional; a missing file is not an error)
//   3. Environment variables (SUPABASE_DB_URL, DRAWER_PORT, POLL_INTERVAL, ...)
//
// Validation failures are configuration errors: the CLI exits non-zero.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Supported queue backends.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete drawerd configuration.
type Config struct {
	Queue struct {
		Driver    string `yaml:"driver" env:"QUEUE_DRIVER"`
		DSN       string `yaml:"dsn" env:"SUPABASE_DB_URL"`
		Table     string `yaml:"table" env:"QUEUE_TABLE"`
		BatchSize int    `yaml:"batch_size" env:"QUEUE_BATCH_SIZE"`
	} `yaml:"queue"`

	Drawer struct {
		Port    string `yaml:"port" env:"DRAWER_PORT"`
		Baud    int    `yaml:"baud" env:"DRAWER_BAUD"`
		Printer string `yaml:"printer" env:"DRAWER_PRINTER"`
	} `yaml:"drawer"`

	Timing struct {
		PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
		MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
		RetryDelay     time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
		DedupWindow    time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
		HealthInterval time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL"`
		ReadyWait      time.Duration `yaml:"ready_wait" env:"READY_WAIT"`
		LockWait       time.Duration `yaml:"lock_wait" env:"LOCK_WAIT"`
	} `yaml:"timing"`

	Spooler struct {
		Command  []string      `yaml:"command" env:"SPOOLER_COMMAND" envSeparator:" "`
		PreDelay time.Duration `yaml:"pre_delay" env:"SPOOLER_PRE_DELAY"`
		Timeout  time.Duration `yaml:"timeout" env:"SPOOLER_TIMEOUT"`
	} `yaml:"spooler"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"METRICS_ENABLED"`
		Port    int  `yaml:"port" env:"METRICS_PORT"`
	} `yaml:"metrics"`

	Health struct {
		GRPCPort int `yaml:"grpc_port" env:"HEALTH_GRPC_PORT"`
	} `yaml:"health"`

	Log struct {
		Level string `yaml:"level" env:"LOG_LEVEL"`
	} `yaml:"log"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	var cfg Config
	cfg.Queue.Driver = DriverPostgres
	cfg.Queue.Table = "print_queue"
	cfg.Queue.BatchSize = 10

	cfg.Drawer.Baud = 9600

	cfg.Timing.PollInterval = 2 * time.Second
	cfg.Timing.MaxRetries = 3
	cfg.Timing.RetryDelay = time.Second
	cfg.Timing.DedupWindow = 3 * time.Second
	cfg.Timing.ReconnectDelay = 5 * time.Second
	cfg.Timing.HealthInterval = 60 * time.Second
	cfg.Timing.ReadyWait = 3 * time.Second
	cfg.Timing.LockWait = 5 * time.Second

	cfg.Spooler.Timeout = 10 * time.Second

	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	return &cfg
}

// Load reads the configuration with Read and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads the YAML file at path (if it exists) and overlays the
// environment without validating. Commissioning commands that need only
// part of the configuration use it directly.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// env-only deployment
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks required settings and numeric ranges.
func (c *Config) Validate() error {
	var problems []string

	switch c.Queue.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Queue.DSN == "" {
			problems = append(problems, "queue.dsn (SUPABASE_DB_URL) is required")
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("queue.driver %q is not one of postgres, sqlite, memory", c.Queue.Driver))
	}
	if c.Queue.Table == "" {
		problems = append(problems, "queue.table is required")
	}
	if c.Queue.BatchSize <= 0 {
		problems = append(problems, "queue.batch_size must be > 0")
	}

	if c.Drawer.Port == "" && c.Drawer.Printer == "" {
		problems = append(problems, "one of drawer.port (DRAWER_PORT) or drawer.printer (DRAWER_PRINTER) is required")
	}
	if c.Drawer.Port != "" && c.Drawer.Baud <= 0 {
		problems = append(problems, "drawer.baud must be > 0")
	}

	if c.Timing.PollInterval <= 0 {
		problems = append(problems, "timing.poll_interval must be > 0")
	}
	if c.Timing.MaxRetries <= 0 {
		problems = append(problems, "timing.max_retries must be > 0")
	}
	if c.Timing.RetryDelay < 0 || c.Timing.DedupWindow < 0 || c.Timing.ReadyWait < 0 || c.Timing.LockWait < 0 {
		problems = append(problems, "timing delays must not be negative")
	}
	if c.Timing.ReconnectDelay <= 0 {
		problems = append(problems, "timing.reconnect_delay must be > 0")
	}
	if c.Timing.HealthInterval <= 0 {
		problems = append(problems, "timing.health_interval must be > 0")
	}
	if c.Spooler.Timeout <= 0 {
		problems = append(problems, "spooler.timeout must be > 0")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		problems = append(problems, "metrics.port must be in 1..65535")
	}
	if c.Health.GRPCPort < 0 || c.Health.GRPCPort > 65535 {
		problems = append(problems, "health.grpc_port must be in 0..65535")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// HasPort reports whether a persistent serial connection is configured.
func (c *Config) HasPort() bool { return c.Drawer.Port != "" }

// HasPrinter reports whether the spooler fallback is configured.
func (c *Config) HasPrinter() bool { return c.Drawer.Printer != "" }
