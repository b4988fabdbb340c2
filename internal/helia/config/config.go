// Package config loads the server configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the complete server configuration.
type Config struct {
	ListenAddr string `env:"HELIA_LISTEN_ADDR" envDefault:":8080"`
	DBPath     string `env:"HELIA_DB_PATH" envDefault:"helia.db"`

	// Completion provider.
	OpenAIAPIKey  string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModel   string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAITimeout time.Duration `env:"OPENAI_TIMEOUT" envDefault:"5m"`

	// Conversation memory cache.
	CacheCapacity   int `env:"HELIA_CACHE_CAPACITY" envDefault:"100"`
	CacheMaxPerChat int `env:"HELIA_CACHE_MAX_PER_CHAT" envDefault:"50"`

	// Optional shared history backend for multi-instance deployments.
	RedisURL string `env:"HELIA_REDIS_URL"`

	// Auth.
	JWTSecret  string        `env:"HELIA_JWT_SECRET"`
	AccessTTL  time.Duration `env:"HELIA_ACCESS_TTL" envDefault:"1h"`
	RefreshTTL time.Duration `env:"HELIA_REFRESH_TTL" envDefault:"720h"`

	// Payment provider. Checkout creation stays disabled when the API key
	// is empty; webhook settlement works either way.
	PaymentAPIKey    string        `env:"DODO_PAYMENTS_API_KEY"`
	PaymentBaseURL   string        `env:"DODO_BASE_URL" envDefault:"https://api.dodopayments.com"`
	PaymentReturnURL string        `env:"DODO_RETURN_URL"`
	PaymentTimeout   time.Duration `env:"DODO_TIMEOUT" envDefault:"30s"`

	// Payments webhook.
	WebhookSecret string `env:"HELIA_WEBHOOK_SECRET"`

	// Attachments.
	UploadDir string `env:"HELIA_UPLOAD_DIR" envDefault:"uploads"`

	// Fixed-window rate limit for auth endpoints.
	AuthRateLimit  int           `env:"HELIA_AUTH_RATE_LIMIT" envDefault:"10"`
	AuthRateWindow time.Duration `env:"HELIA_AUTH_RATE_WINDOW" envDefault:"1m"`

	LogLevel string `env:"HELIA_LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (when present) and then the environment. It fails on
// missing required settings rather than starting half-configured.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OpenAIAPIKey == "" {
		return errors.New("config: OPENAI_API_KEY is required")
	}
	if c.JWTSecret == "" {
		return errors.New("config: HELIA_JWT_SECRET is required")
	}
	if c.WebhookSecret == "" {
		return errors.New("config: HELIA_WEBHOOK_SECRET is required")
	}
	if c.CacheCapacity <= 0 || c.CacheMaxPerChat <= 0 {
		return errors.New("config: cache capacity and per-chat cap must be positive")
	}
	return nil
}
