package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8090", cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Connections.MaxConnections)
	assert.Equal(t, 10, cfg.Connections.MaxPerSource)
	assert.Equal(t, 1000, cfg.Connections.MessagesPerMinute)
	assert.Equal(t, 5*time.Minute, cfg.Connections.AbuseBlockDuration)
	assert.Equal(t, 5, cfg.Auth.MaxLoginAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LockoutDuration)
	assert.Equal(t, 24*time.Hour, cfg.Sessions.TTL)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.OrphanGrace)
	assert.Equal(t, "round-robin", cfg.Pool.Strategy)
	assert.Equal(t, 60*time.Second, cfg.Pool.BreakerOpenDuration)
	assert.Empty(t, cfg.Redis.Address, "sessions default to cache-only")

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MAX_CONNECTIONS", "50")
	t.Setenv("LB_STRATEGY", "fastest-response")
	t.Setenv("SESSION_TTL", "1h")
	t.Setenv("AUTH_REQUIRED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Connections.MaxConnections)
	assert.Equal(t, "fastest-response", cfg.Pool.Strategy)
	assert.Equal(t, time.Hour, cfg.Sessions.TTL)
	assert.False(t, cfg.Auth.Required)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max connections", func(c *Config) { c.Connections.MaxConnections = 0 }},
		{"zero per-source ceiling", func(c *Config) { c.Connections.MaxPerSource = 0 }},
		{"zero login attempts", func(c *Config) { c.Auth.MaxLoginAttempts = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Pool.BreakerThreshold = 0 }},
		{"unknown strategy", func(c *Config) { c.Pool.Strategy = "coin-flip" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsInvalidStrategy(t *testing.T) {
	t.Setenv("LB_STRATEGY", "coin-flip")

	_, err := Load()
	assert.Error(t, err)
}
