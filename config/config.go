// Package config provides configuration for the session host.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the session host configuration.
type Config struct {
	// Server settings
	InternalPort int `env:"INTERNAL_PORT" envDefault:"8081"`

	// Database
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:durasess.db?cache=shared&mode=rwc"`

	// Subprocess settings
	SubprocessPath string   `env:"SUBPROCESS_PATH" envDefault:"durasess-agent"`
	SubprocessArgs []string `env:"SUBPROCESS_ARGS" envSeparator:" "`

	// Worker retry settings
	WorkerMaxAttempts int           `env:"WORKER_MAX_ATTEMPTS" envDefault:"3"`
	WorkerBackoff     time.Duration `env:"WORKER_BACKOFF" envDefault:"2s"`

	// Timeouts
	TurnTimeout     time.Duration `env:"TURN_TIMEOUT" envDefault:"5m"`
	OutboundPollMax time.Duration `env:"OUTBOUND_POLL_MAX" envDefault:"30s"`

	// Tool policy
	PolicyPath string `env:"POLICY_PATH"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
