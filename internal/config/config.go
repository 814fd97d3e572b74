// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime settings. Every field can be set through the
// environment with the EVENTGATE_ prefix, e.g. EVENTGATE_LISTEN_ADDR.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataDir    string `envconfig:"DATA_DIR" default:"./data"`

	// Payment provider
	ProviderBaseURL string        `envconfig:"PROVIDER_BASE_URL" default:"http://localhost:9100"`
	ProviderAPIKey  string        `envconfig:"PROVIDER_API_KEY"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`
	ProviderRPS     float64       `envconfig:"PROVIDER_RPS" default:"5"`

	// Reconciliation
	PendingSessionTTL time.Duration `envconfig:"PENDING_SESSION_TTL" default:"30m"`

	// Publishing fee charged to organizers of paid events, in cents.
	// Zero disables the fee.
	PublishingFeeCents int64 `envconfig:"PUBLISHING_FEE_CENTS" default:"500"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("eventgate", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if cfg.ProviderRPS <= 0 {
		return nil, fmt.Errorf("provider rate limit must be positive, got %v", cfg.ProviderRPS)
	}
	return &cfg, nil
}
