// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// devSigningKey signs tokens when SANGHA_ENV is dev and no key is set.
const devSigningKey = "dev-secret-key-change-in-production"

// Config is the root configuration for the registration service.
type Config struct {
	// Environment is dev, staging or production. Secrets only have defaults in dev.
	Environment string `env:"SANGHA_ENV" envDefault:"dev"`

	Server    Server
	Postgres  Postgres
	Redis     Redis
	Kafka     Kafka
	Gateway   Gateway
	Event     Event
	Policy    Policy
	Retry     Retry
	RateLimit RateLimit
	Tracing   Tracing
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"SANGHA_ADDR"             envDefault:":8080"`
	LogLevel        string        `env:"SANGHA_LOG_LEVEL"        envDefault:"info"`
	JWTSigningKey   string        `env:"SANGHA_JWT_SIGNING_KEY"`
	JWTIssuer       string        `env:"SANGHA_JWT_ISSUER"       envDefault:"sangha"`
	ShutdownTimeout time.Duration `env:"SANGHA_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	ReadHeaderTimeout time.Duration `env:"SANGHA_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"SANGHA_READ_TIMEOUT"        envDefault:"15s"`
	WriteTimeout      time.Duration `env:"SANGHA_WRITE_TIMEOUT"       envDefault:"30s"`
	IdleTimeout       time.Duration `env:"SANGHA_IDLE_TIMEOUT"        envDefault:"60s"`
}

// Postgres is optional; an empty DSN selects the in-memory stores.
type Postgres struct {
	DSN             string        `env:"SANGHA_POSTGRES_DSN"`
	MaxOpenConns    int           `env:"SANGHA_POSTGRES_MAX_OPEN_CONNS"    envDefault:"10"`
	MaxIdleConns    int           `env:"SANGHA_POSTGRES_MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"SANGHA_POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`
	Migrate         bool          `env:"SANGHA_POSTGRES_MIGRATE"           envDefault:"true"`
}

// Redis is optional; an empty URL selects the in-process lock.
type Redis struct {
	URL          string        `env:"SANGHA_REDIS_URL"`
	PoolSize     int           `env:"SANGHA_REDIS_POOL_SIZE"      envDefault:"10"`
	MinIdleConns int           `env:"SANGHA_REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"SANGHA_REDIS_DIAL_TIMEOUT"   envDefault:"5s"`
	ReadTimeout  time.Duration `env:"SANGHA_REDIS_READ_TIMEOUT"   envDefault:"3s"`
	WriteTimeout time.Duration `env:"SANGHA_REDIS_WRITE_TIMEOUT"  envDefault:"3s"`
	LockTTL      time.Duration `env:"SANGHA_REDIS_LOCK_TTL"       envDefault:"30s"`
}

// Kafka is optional; no brokers keeps lifecycle events in memory.
type Kafka struct {
	Brokers           []string `env:"SANGHA_KAFKA_BROKERS" envSeparator:","`
	Topic             string   `env:"SANGHA_KAFKA_TOPIC"              envDefault:"registration-lifecycle"`
	Partitions        int32    `env:"SANGHA_KAFKA_PARTITIONS"         envDefault:"3"`
	ReplicationFactor int16    `env:"SANGHA_KAFKA_REPLICATION_FACTOR" envDefault:"1"`
	BufferSize        int      `env:"SANGHA_AUDIT_BUFFER_SIZE"        envDefault:"256"`
}

// Gateway configures the external order-management client.
type Gateway struct {
	BaseURL          string        `env:"SANGHA_GATEWAY_URL"               envDefault:"http://localhost:9090"`
	Token            string        `env:"SANGHA_GATEWAY_TOKEN"`
	Timeout          time.Duration `env:"SANGHA_GATEWAY_TIMEOUT"           envDefault:"8s"`
	FailureThreshold int           `env:"SANGHA_GATEWAY_FAILURE_THRESHOLD" envDefault:"5"`
	SuccessThreshold int           `env:"SANGHA_GATEWAY_SUCCESS_THRESHOLD" envDefault:"2"`
	Cooldown         time.Duration `env:"SANGHA_GATEWAY_COOLDOWN"          envDefault:"30s"`
}

// Event seeds the catalog with the current event instance.
type Event struct {
	ID          string        `env:"SANGHA_EVENT_ID"           envDefault:"annual-gathering"`
	Name        string        `env:"SANGHA_EVENT_NAME"         envDefault:"Annual Sangha Gathering"`
	StartDate   time.Time     `env:"SANGHA_EVENT_START"        envDefault:"2027-01-15T06:00:00Z"`
	ExternalRef string        `env:"SANGHA_EVENT_EXTERNAL_REF" envDefault:"annual-gathering"`
	ItemID      int           `env:"SANGHA_EVENT_ITEM_ID"      envDefault:"1"`
	CacheTTL    time.Duration `env:"SANGHA_EVENT_CACHE_TTL"    envDefault:"5m"`
}

// Policy holds the modification window and budget.
type Policy struct {
	Blackout               time.Duration `env:"SANGHA_MODIFY_BLACKOUT"          envDefault:"72h"`
	MaxModifications       int           `env:"SANGHA_MAX_MODIFICATIONS"        envDefault:"5"`
	CancelRespectsBlackout bool          `env:"SANGHA_CANCEL_RESPECTS_BLACKOUT" envDefault:"false"`
}

// Retry holds the creation retry schedule.
type Retry struct {
	BaseDelay   time.Duration `env:"SANGHA_RETRY_BASE_DELAY"   envDefault:"1s"`
	Multiplier  float64       `env:"SANGHA_RETRY_MULTIPLIER"   envDefault:"2"`
	MaxDelay    time.Duration `env:"SANGHA_RETRY_MAX_DELAY"    envDefault:"30s"`
	MaxAttempts int           `env:"SANGHA_RETRY_MAX_ATTEMPTS" envDefault:"3"`
}

// RateLimit bounds requests per authenticated user.
type RateLimit struct {
	Requests int           `env:"SANGHA_RATE_LIMIT_REQUESTS" envDefault:"30"`
	Window   time.Duration `env:"SANGHA_RATE_LIMIT_WINDOW"   envDefault:"1m"`
}

// Tracing selects the span exporter: none, stdout or otlp.
type Tracing struct {
	Exporter     string  `env:"SANGHA_TRACE_EXPORTER"      envDefault:"none"`
	OTLPEndpoint string  `env:"SANGHA_TRACE_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	SampleRate   float64 `env:"SANGHA_TRACE_SAMPLE_RATE"   envDefault:"1"`
}

// FromEnv parses every section from environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Server.JWTSigningKey == "" {
		if cfg.Environment != "dev" {
			return Config{}, fmt.Errorf("SANGHA_JWT_SIGNING_KEY is required when SANGHA_ENV=%s", cfg.Environment)
		}
		cfg.Server.JWTSigningKey = devSigningKey
	}
	if cfg.Retry.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("SANGHA_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.Server.WriteTimeout <= cfg.Gateway.Timeout {
		return Config{}, fmt.Errorf("SANGHA_WRITE_TIMEOUT must exceed SANGHA_GATEWAY_TIMEOUT")
	}
	if cfg.Redis.LockTTL <= cfg.Gateway.Timeout {
		return Config{}, fmt.Errorf("SANGHA_REDIS_LOCK_TTL must exceed SANGHA_GATEWAY_TIMEOUT")
	}
	if cfg.Retry.Multiplier < 1 {
		return Config{}, fmt.Errorf("SANGHA_RETRY_MULTIPLIER must be at least 1")
	}
	return cfg, nil
}
