package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser    string
	DBPass    string
	DBHost    string
	DBPort    string
	DBName    string
	SSLMode   string
	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	ApiPort    string
	ApiEnabled string

	WebhookSecret string

	OverdraftMargin int64
	IdempotencyTTL  time.Duration
	SweepInterval   time.Duration
	SweepTimeout    time.Duration
	MaxRetries      int
	BaseBackoff     time.Duration
}

// New loads and validates configuration from environment variables.
// The HTTP server is optional: if TALLYO_API_ENABLED != "true", ApiAddr()
// returns an error and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:    os.Getenv("TALLYO_POSTGRES_USER"),
		DBPass:    os.Getenv("TALLYO_POSTGRES_PASSWORD"),
		DBHost:    os.Getenv("TALLYO_POSTGRES_HOST"),
		DBPort:    os.Getenv("TALLYO_POSTGRES_PORT"),
		DBName:    os.Getenv("TALLYO_POSTGRES_DB"),
		SSLMode:   os.Getenv("TALLYO_POSTGRES_SSLMODE"),
		RedisHost: os.Getenv("TALLYO_REDIS_HOST"),
		RedisPort: os.Getenv("TALLYO_REDIS_PORT"),
		NatsHost:  os.Getenv("TALLYO_NATS_HOST"),
		NatsPort:  os.Getenv("TALLYO_NATS_PORT"),

		ApiPort:    os.Getenv("TALLYO_API_PORT"),
		ApiEnabled: os.Getenv("TALLYO_API_ENABLED"),

		WebhookSecret: os.Getenv("TALLYO_WEBHOOK_SECRET"),

		OverdraftMargin: int64(getEnvInt("TALLYO_OVERDRAFT_MARGIN", 0)),
		IdempotencyTTL:  getEnvDuration("TALLYO_IDEMPOTENCY_TTL", 48*time.Hour),
		SweepInterval:   getEnvDuration("TALLYO_SWEEP_INTERVAL", 10*time.Minute),
		SweepTimeout:    getEnvDuration("TALLYO_SWEEP_TIMEOUT", time.Hour),
		MaxRetries:      getEnvInt("TALLYO_MAX_RETRIES", 4),
		BaseBackoff:     getEnvDuration("TALLYO_BASE_BACKOFF", 50*time.Millisecond),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: TALLYO_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: TALLYO_REDIS_HOST/PORT")
	}

	// Required: nats
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: TALLYO_NATS_HOST/PORT")
	}

	// Required: webhook signature secret
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("missing required env: TALLYO_WEBHOOK_SECRET")
	}

	// An enabled API without a port is a misconfiguration, not a disabled API.
	if cfg.ApiEnabled == "true" && cfg.ApiPort == "" {
		return nil, fmt.Errorf("TALLYO_API_PORT is required when TALLYO_API_ENABLED=true")
	}

	if cfg.OverdraftMargin < 0 {
		return nil, fmt.Errorf("TALLYO_OVERDRAFT_MARGIN must not be negative")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if TALLYO_API_ENABLED != "true" — callers should skip
// starting the HTTP server. New rejects an enabled API without a port, so a
// loaded config always has an address here.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (TALLYO_API_ENABLED != true)")
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
