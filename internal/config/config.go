package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBFile  string `env:"PAVILION_DB" envDefault:"pavilion.db"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	AuthSecret  string        `env:"AUTH_SECRET"`
	TokenExpiry time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`

	// Link preview resolution budget.
	PreviewTimeout    time.Duration `env:"PREVIEW_TIMEOUT" envDefault:"5s"`
	PreviewURLTimeout time.Duration `env:"PREVIEW_URL_TIMEOUT" envDefault:"3s"`

	// VAPID key pair for webpush. Push is disabled when empty.
	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:admin@localhost"`
}

func Load(cliMode bool) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.PreviewURLTimeout > c.PreviewTimeout {
		return fmt.Errorf("PREVIEW_URL_TIMEOUT cannot exceed PREVIEW_TIMEOUT")
	}

	return nil
}
