package config

import (
	"time"

	"github.com/vietddude/keyrouter/internal/infra/gemini"
	redisclient "github.com/vietddude/keyrouter/internal/infra/redis"
	"github.com/vietddude/keyrouter/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Keys     KeysConfig         `yaml:"keys"`
	Retry    RetryConfig        `yaml:"retry"`
	Backend  gemini.Config      `yaml:"backend"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
	Snapshot SnapshotConfig     `yaml:"snapshot"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	GRPCPort   int    `yaml:"grpc_port"`   // 0 = disabled
	AdminURL   string `yaml:"admin_url"`   // used by CLI commands talking to a running server
	AdminToken string `yaml:"admin_token"` // bearer token for /v1/admin routes; empty leaves them open
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// KeysConfig describes where API keys are read from.
type KeysConfig struct {
	EnvPrefix string `yaml:"env_prefix"` // slots are EnvPrefix1..EnvPrefixN
	Slots     int    `yaml:"slots"`
}

// RetryConfig holds orchestrator settings.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	RateLimitStep time.Duration `yaml:"rate_limit_step"`
	FixedDelay    time.Duration `yaml:"fixed_delay"`
}

// SnapshotConfig controls periodic stats export.
type SnapshotConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"` // history older than this is pruned
}
