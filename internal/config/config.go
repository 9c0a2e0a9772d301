package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/config"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/database"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/validator"
)

// Config holds all configuration for the Parscade client.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Endpoints
	APIBaseURL  string `env:"PARSCADE_API_BASE_URL,required" validate:"required,url"`
	AuthURL     string `env:"PARSCADE_AUTH_URL,required" validate:"required,url"`
	AuthAnonKey string `env:"PARSCADE_AUTH_ANON_KEY,required" validate:"required"`

	// Outbound HTTP
	HTTPTimeout           time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	HTTPRetryAttempts     int           `env:"HTTP_RETRY_ATTEMPTS" envDefault:"3" validate:"min=1,max=10"`
	HTTPRetryDelay        time.Duration `env:"HTTP_RETRY_DELAY" envDefault:"1s" validate:"gt=0"`
	HTTPMaxRetryDelay     time.Duration `env:"HTTP_MAX_RETRY_DELAY" envDefault:"8s" validate:"gt=0"`
	HTTPRequestsPerSecond float64       `env:"HTTP_REQUESTS_PER_SECOND" envDefault:"0" validate:"min=0"`
	HTTPCircuitBreaker    bool          `env:"HTTP_CIRCUIT_BREAKER" envDefault:"true"`
	ClientVersion         string        `env:"CLIENT_VERSION" envDefault:"1.0.0"`

	// Password reset rate limiter
	ResetRateLimitMaxAttempts     int           `env:"RESET_RATE_LIMIT_MAX_ATTEMPTS" envDefault:"5" validate:"min=1"`
	ResetRateLimitWindow          time.Duration `env:"RESET_RATE_LIMIT_WINDOW" envDefault:"15m" validate:"gt=0"`
	ResetRateLimitCleanupInterval time.Duration `env:"RESET_RATE_LIMIT_CLEANUP_INTERVAL" envDefault:"1h" validate:"gt=0"`

	// Password reset flow
	ResetValidationTimeout time.Duration `env:"RESET_VALIDATION_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	ResetCompleteDelay     time.Duration `env:"RESET_COMPLETE_DELAY" envDefault:"2s" validate:"min=0"`
	ResetSuccessRedirect   string        `env:"RESET_SUCCESS_REDIRECT" envDefault:"/?reset=success" validate:"required"`
	ResetErrorRedirect     string        `env:"RESET_ERROR_REDIRECT" envDefault:"/?reset=error" validate:"required"`

	SessionInvalidRedirect string `env:"SESSION_INVALID_REDIRECT" envDefault:"/" validate:"required"`
	SessionFile            string `env:"PARSCADE_SESSION_FILE"`
	// SessionWatchInterval is how often the stored session is checked for a
	// sign-out made by another process. 0 disables the check.
	SessionWatchInterval time.Duration `env:"SESSION_WATCH_INTERVAL" envDefault:"2s" validate:"min=0"`

	// Redis
	RedisEnabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379" validate:"min=1,max=65535"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0" validate:"min=0"`

	// Kafka. Empty disables audit publishing to Kafka.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`

	// Tracing
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0" validate:"min=0,max=1"`

	// Ops server. 0 disables it.
	OpsHTTPPort int `env:"OPS_HTTP_PORT" envDefault:"0" validate:"min=0,max=65535"`
}

// Load reads configuration from the environment, after merging any of
// envFiles that exist. Missing required values are fatal.
func Load(envFiles ...string) (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg, envFiles...); err != nil {
		return nil, fmt.Errorf("load parscade config: %w", err)
	}
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid parscade config: %w", err)
	}
	if cfg.HTTPRetryDelay > cfg.HTTPMaxRetryDelay {
		return nil, fmt.Errorf("HTTP_RETRY_DELAY (%s) must not exceed HTTP_MAX_RETRY_DELAY (%s)", cfg.HTTPRetryDelay, cfg.HTTPMaxRetryDelay)
	}
	return cfg, nil
}

// Redis returns the Redis connection settings.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}
