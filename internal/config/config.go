package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"scheduler@pulsedispatch.dev"`

	BreakerMaxFailures uint32        `envconfig:"BREAKER_MAX_FAILURES" default:"5"`
	BreakerOpenTimeout time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"30s"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount           int           `envconfig:"WORKER_COUNT" default:"5"`
	ThrottleInterval      time.Duration `envconfig:"THROTTLE_INTERVAL" default:"1s"`
	RetryAttempts         int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay        time.Duration `envconfig:"RETRY_BASE_DELAY" default:"5s"`
	DefaultHourlyLimit    int           `envconfig:"DEFAULT_HOURLY_LIMIT" default:"10"`
	ThrottleFallbackDelay time.Duration `envconfig:"THROTTLE_FALLBACK_DELAY" default:"60s"`

	// ----------------------------
	// Queue / shared KV
	// ----------------------------
	RedisURL               string        `envconfig:"REDIS_URL" default:""`
	QueueKeyPrefix         string        `envconfig:"QUEUE_KEY_PREFIX" default:"dispatch"`
	QueuePollInterval      time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"250ms"`
	QueueVisibilityTimeout time.Duration `envconfig:"QUEUE_VISIBILITY_TIMEOUT" default:"10m"`
	ResumeInterval         time.Duration `envconfig:"RESUME_INTERVAL" default:"5m"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort    string `envconfig:"API_PORT" default:"8080"`
	MaxCSVRows int    `envconfig:"MAX_CSV_ROWS" default:"1000"`

	// ----------------------------
	// Metrics / Logging
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.WorkerCount <= 0:
		return errors.New("WORKER_COUNT must be positive")
	case c.ThrottleInterval <= 0:
		return errors.New("THROTTLE_INTERVAL must be positive")
	case c.RetryAttempts <= 0:
		return errors.New("RETRY_ATTEMPTS must be positive")
	case c.RetryBaseDelay <= 0:
		return errors.New("RETRY_BASE_DELAY must be positive")
	case c.DefaultHourlyLimit <= 0:
		return errors.New("DEFAULT_HOURLY_LIMIT must be positive")
	case c.ThrottleFallbackDelay <= 0:
		return errors.New("THROTTLE_FALLBACK_DELAY must be positive")
	case c.QueuePollInterval <= 0:
		return errors.New("QUEUE_POLL_INTERVAL must be positive")
	case c.QueueVisibilityTimeout <= 0:
		return errors.New("QUEUE_VISIBILITY_TIMEOUT must be positive")
	case c.ResumeInterval <= 0:
		return errors.New("RESUME_INTERVAL must be positive")
	}
	return nil
}

// UseRedis reports whether the shared KV store and queue live in Redis.
// Without it both fall back to in-process memory, which only works for a
// single-process deployment.
func (c *Config) UseRedis() bool {
	return c.RedisURL != ""
}
