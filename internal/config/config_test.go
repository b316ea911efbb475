package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithRequiredSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.Addr)
	assert.Equal(t, "test-secret", cfg.JWTSecret)
	assert.True(t, cfg.ClusterEnabled)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatEvery)
	assert.Equal(t, 15*time.Second, cfg.FailureTimeout)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 5, cfg.MaxConnectionsPerUser)
	assert.Equal(t, 5, cfg.MaxAuthAttempts)
	assert.Equal(t, 60*time.Second, cfg.AuthWindow)
	assert.Equal(t, 6, cfg.CompressionLevel)
	assert.Equal(t, 1024, cfg.CompressionMinSize)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("RT_ADDR", ":4000")
	t.Setenv("RT_MAX_CONNECTIONS", "250")
	t.Setenv("RT_CLUSTER_ENABLED", "false")
	t.Setenv("RT_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("RT_FAILURE_TIMEOUT", "10s")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Addr)
	assert.Equal(t, 250, cfg.MaxConnections)
	assert.False(t, cfg.ClusterEnabled)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatEvery)
}

func TestLoad_MissingSecretFails(t *testing.T) {
	t.Setenv("JWT_SECRET", "placeholder") // register restore, then unset
	os.Unsetenv("JWT_SECRET")

	_, err := Load(nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Addr:                  ":3001",
			JWTSecret:             "secret",
			MaxConnections:        100,
			MaxConnectionsPerUser: 5,
			WorkerCount:           4,
			CompressionLevel:      6,
			HeartbeatEvery:        5 * time.Second,
			FailureTimeout:        15 * time.Second,
			LogLevel:              "info",
			LogFormat:             "json",
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero per-user cap", func(c *Config) { c.MaxConnectionsPerUser = 0 }},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
		{"compression level too low", func(c *Config) { c.CompressionLevel = 0 }},
		{"compression level too high", func(c *Config) { c.CompressionLevel = 10 }},
		{"failure timeout below heartbeat", func(c *Config) { c.FailureTimeout = time.Second }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
