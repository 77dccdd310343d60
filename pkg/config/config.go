// Package config loads engine settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime settings, loaded from RADMAN_* environment
// variables.
type Config struct {
	// DatabaseDSN is the PostgreSQL connection string for the
	// FreeRADIUS schema.
	DatabaseDSN string `envconfig:"DATABASE_DSN" required:"true"`

	// RadclientPath is the control tool binary.
	RadclientPath string `envconfig:"RADCLIENT_PATH" default:"radclient"`

	// ReloadCommand reloads the AAA daemon.
	ReloadCommand string `envconfig:"RELOAD_COMMAND" default:"sudo systemctl reload freeradius"`

	// DispatchTimeout bounds one control tool invocation.
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"10s"`

	// BreakerThreshold is the consecutive dispatch failures that open
	// a NAS's circuit. Zero disables the breaker.
	BreakerThreshold uint32 `envconfig:"BREAKER_THRESHOLD" default:"5"`

	// BreakerCooldown is how long an open NAS circuit stays open.
	BreakerCooldown time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`

	// FUPQuotaBytes is the usage threshold for the throttle sweep,
	// summed over a user's active sessions. Decimal units.
	FUPQuotaBytes int64 `envconfig:"FUP_QUOTA_BYTES" default:"100000000000"`

	// SweepInterval is the period between FUP sweeps. Zero disables
	// the background sweep.
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"15m"`

	// MetricsAddr is the Prometheus listen address.
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("radman", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("config: database DSN is required")
	}
	if c.FUPQuotaBytes <= 0 {
		return fmt.Errorf("config: FUP quota must be positive, got %d", c.FUPQuotaBytes)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("config: dispatch timeout must be positive, got %s", c.DispatchTimeout)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}
