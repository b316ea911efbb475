package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"RT_ADDR" envDefault:":3001"`
	ServerID    string `env:"RT_SERVER_ID"`
	ServerURL   string `env:"RT_SERVER_URL" envDefault:"ws://localhost:3001"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Upstream event bus (inbound domain events)
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSEnabled bool   `env:"NATS_ENABLED" envDefault:"true"`

	// Cluster bus
	RedisURL         string        `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	ClusterEnabled   bool          `env:"RT_CLUSTER_ENABLED" envDefault:"true"`
	HeartbeatEvery   time.Duration `env:"RT_HEARTBEAT_INTERVAL" envDefault:"5s"`
	FailureTimeout   time.Duration `env:"RT_FAILURE_TIMEOUT" envDefault:"15s"`
	BackupTTL        time.Duration `env:"RT_BACKUP_TTL" envDefault:"5m"`
	ReconnectBackoff time.Duration `env:"RT_RECONNECT_BACKOFF" envDefault:"1s"`

	// Auth
	JWTSecret       string        `env:"JWT_SECRET,required"`
	MaxAuthAttempts int           `env:"RT_MAX_AUTH_ATTEMPTS" envDefault:"5"`
	AuthWindow      time.Duration `env:"RT_AUTH_WINDOW" envDefault:"60s"`

	// Connection pool
	MaxConnections        int           `env:"RT_MAX_CONNECTIONS" envDefault:"10000"`
	MaxConnectionsPerUser int           `env:"RT_MAX_CONNECTIONS_PER_USER" envDefault:"5"`
	WorkerCount           int           `env:"RT_WORKER_COUNT" envDefault:"4"`
	LoadBalancing         bool          `env:"RT_LOAD_BALANCING" envDefault:"true"`
	RebalanceThreshold    int           `env:"RT_REBALANCE_THRESHOLD" envDefault:"50"`
	IdleTimeout           time.Duration `env:"RT_IDLE_TIMEOUT" envDefault:"5m"`
	DrainTimeout          time.Duration `env:"RT_DRAIN_TIMEOUT" envDefault:"30s"`

	// Compression
	CompressionEnabled bool          `env:"RT_COMPRESSION_ENABLED" envDefault:"true"`
	CompressionLevel   int           `env:"RT_COMPRESSION_LEVEL" envDefault:"6"`
	CompressionMinSize int           `env:"RT_COMPRESSION_MIN_SIZE" envDefault:"1024"`
	CompressionWorkers int           `env:"RT_COMPRESSION_WORKERS" envDefault:"4"`
	CompressionCeiling time.Duration `env:"RT_COMPRESSION_CEILING" envDefault:"100ms"`

	// Metrics
	MetricsAddr      string        `env:"RT_METRICS_ADDR" envDefault:":9090"`
	SnapshotInterval time.Duration `env:"RT_SNAPSHOT_INTERVAL" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// injected by the orchestrator.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RT_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("RT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("RT_MAX_CONNECTIONS_PER_USER must be > 0, got %d", c.MaxConnectionsPerUser)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("RT_WORKER_COUNT must be > 0, got %d", c.WorkerCount)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("RT_COMPRESSION_LEVEL must be 1-9, got %d", c.CompressionLevel)
	}
	if c.FailureTimeout <= c.HeartbeatEvery {
		return fmt.Errorf("RT_FAILURE_TIMEOUT (%s) must exceed RT_HEARTBEAT_INTERVAL (%s)",
			c.FailureTimeout, c.HeartbeatEvery)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("server_id", c.ServerID).
		Bool("cluster_enabled", c.ClusterEnabled).
		Str("redis_url", c.RedisURL).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Int("max_connections_per_user", c.MaxConnectionsPerUser).
		Int("worker_count", c.WorkerCount).
		Bool("compression_enabled", c.CompressionEnabled).
		Dur("heartbeat_interval", c.HeartbeatEvery).
		Dur("failure_timeout", c.FailureTimeout).
		Msg("Server configuration loaded")
}
