// Package config loads gateway configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all gateway configuration.
type Config struct {
	Server      ServerConfig
	Connections ConnectionConfig
	Auth        AuthConfig
	Sessions    SessionConfig
	Pool        PoolConfig
	Redis       RedisConfig
	Logging     LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string   `envconfig:"PORT" default:"8090"`
	Host           string   `envconfig:"HOST" default:"0.0.0.0"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

// ConnectionConfig holds admission control and abuse detection settings.
type ConnectionConfig struct {
	MaxConnections     int           `envconfig:"MAX_CONNECTIONS" default:"1000"`
	MaxPerSource       int           `envconfig:"MAX_CONNECTIONS_PER_SOURCE" default:"10"`
	IdleTimeout        time.Duration `envconfig:"CONNECTION_IDLE_TIMEOUT" default:"5m"`
	HeartbeatInterval  time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	SweepInterval      time.Duration `envconfig:"CONNECTION_SWEEP_INTERVAL" default:"30s"`
	MessagesPerMinute  int           `envconfig:"MESSAGES_PER_MINUTE" default:"1000"`
	AbuseBlockDuration time.Duration `envconfig:"ABUSE_BLOCK_DURATION" default:"5m"`
}

// AuthConfig holds credential and token service settings.
type AuthConfig struct {
	Required         bool          `envconfig:"AUTH_REQUIRED" default:"true"`
	JWTSecret        string        `envconfig:"JWT_SECRET" default:"dev-secret-change-me"`
	TokenExpiry      time.Duration `envconfig:"TOKEN_EXPIRY" default:"24h"`
	MaxLoginAttempts int           `envconfig:"MAX_LOGIN_ATTEMPTS" default:"5"`
	LockoutDuration  time.Duration `envconfig:"LOCKOUT_DURATION" default:"15m"`
	BindAddress      bool          `envconfig:"TOKEN_BIND_ADDRESS" default:"true"`
	CleanupInterval  time.Duration `envconfig:"AUTH_CLEANUP_INTERVAL" default:"10m"`
	// AdminUsername/AdminPassword seed one account at startup when both
	// are set, so a fresh deployment is immediately usable.
	AdminUsername string `envconfig:"ADMIN_USERNAME" default:""`
	AdminPassword string `envconfig:"ADMIN_PASSWORD" default:""`
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	TTL           time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	OrphanGrace   time.Duration `envconfig:"SESSION_ORPHAN_GRACE" default:"10m"`
	CacheCapacity int           `envconfig:"SESSION_CACHE_CAPACITY" default:"10000"`
	SweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"1m"`
}

// PoolConfig holds backend pool balancer settings.
type PoolConfig struct {
	Strategy            string        `envconfig:"LB_STRATEGY" default:"round-robin"`
	FailoverThreshold   int           `envconfig:"FAILOVER_THRESHOLD" default:"3"`
	BreakerThreshold    int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
	BreakerOpenDuration time.Duration `envconfig:"CIRCUIT_BREAKER_OPEN_DURATION" default:"60s"`
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"15s"`
	HealthCheckTimeout  time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`
	CommandTimeout      time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	LocalExecutors      int           `envconfig:"LOCAL_EXECUTORS" default:"2"`
}

// RedisConfig holds optional durable session store parameters.
// An empty address degrades the session store to cache-only operation.
type RedisConfig struct {
	Address  string `envconfig:"REDIS_ADDRESS" default:""`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8090",
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"*"},
		},
		Connections: ConnectionConfig{
			MaxConnections:     1000,
			MaxPerSource:       10,
			IdleTimeout:        5 * time.Minute,
			HeartbeatInterval:  30 * time.Second,
			SweepInterval:      30 * time.Second,
			MessagesPerMinute:  1000,
			AbuseBlockDuration: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Required:         true,
			JWTSecret:        "dev-secret-change-me",
			TokenExpiry:      24 * time.Hour,
			MaxLoginAttempts: 5,
			LockoutDuration:  15 * time.Minute,
			BindAddress:      true,
			CleanupInterval:  10 * time.Minute,
		},
		Sessions: SessionConfig{
			TTL:           24 * time.Hour,
			OrphanGrace:   10 * time.Minute,
			CacheCapacity: 10000,
			SweepInterval: time.Minute,
		},
		Pool: PoolConfig{
			Strategy:            "round-robin",
			FailoverThreshold:   3,
			BreakerThreshold:    5,
			BreakerOpenDuration: 60 * time.Second,
			HealthCheckInterval: 15 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
			CommandTimeout:      30 * time.Second,
			LocalExecutors:      2,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate checks cross-field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	if c.Connections.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", c.Connections.MaxConnections)
	}
	if c.Connections.MaxPerSource <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_SOURCE must be positive, got %d", c.Connections.MaxPerSource)
	}
	if c.Auth.MaxLoginAttempts <= 0 {
		return fmt.Errorf("MAX_LOGIN_ATTEMPTS must be positive, got %d", c.Auth.MaxLoginAttempts)
	}
	if c.Pool.BreakerThreshold <= 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be positive, got %d", c.Pool.BreakerThreshold)
	}
	switch c.Pool.Strategy {
	case "round-robin", "least-connections", "lowest-load", "fastest-response":
	default:
		return fmt.Errorf("unknown LB_STRATEGY %q", c.Pool.Strategy)
	}
	return nil
}
