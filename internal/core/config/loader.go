package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/keyrouter/internal/keypool"
	"github.com/vietddude/keyrouter/internal/routing"
)

const (
	DefaultEnvPrefix = "API_KEY_"
	DefaultPort      = 8080
)

// Load reads configuration from a YAML file. An empty path yields defaults.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.AdminURL == "" {
		cfg.Server.AdminURL = "http://localhost:" + strconv.Itoa(cfg.Server.Port)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Keys.EnvPrefix == "" {
		cfg.Keys.EnvPrefix = DefaultEnvPrefix
	}
	if cfg.Keys.Slots == 0 {
		cfg.Keys.Slots = keypool.MaxKeys
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = routing.DefaultRetryConfig.MaxAttempts
	}
	if cfg.Retry.RateLimitStep == 0 {
		cfg.Retry.RateLimitStep = routing.DefaultRetryConfig.RateLimitStep
	}
	if cfg.Retry.FixedDelay == 0 {
		cfg.Retry.FixedDelay = routing.DefaultRetryConfig.FixedDelay
	}

	if cfg.Snapshot.Interval == 0 {
		cfg.Snapshot.Interval = 15 * time.Second
	}
	if cfg.Snapshot.Retention == 0 {
		cfg.Snapshot.Retention = 24 * time.Hour
	}
	if cfg.Redis.SnapshotTTL == 0 {
		cfg.Redis.SnapshotTTL = 4 * cfg.Snapshot.Interval
	}
}

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, errors.New("server.grpc_port must differ from server.port"))
	}
	if c.Keys.Slots < 1 || c.Keys.Slots > keypool.MaxKeys {
		errs = append(errs, fmt.Errorf("keys.slots must be between 1 and %d", keypool.MaxKeys))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.RateLimitStep < 0 || c.Retry.FixedDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Snapshot.Interval < time.Second {
		errs = append(errs, errors.New("snapshot.interval must be at least 1s"))
	}

	return errors.Join(errs...)
}

// RoutingConfig converts the retry section for the orchestrator.
func (c *AppConfig) RoutingConfig() routing.RetryConfig {
	return routing.RetryConfig{
		MaxAttempts:   c.Retry.MaxAttempts,
		RateLimitStep: c.Retry.RateLimitStep,
		FixedDelay:    c.Retry.FixedDelay,
	}
}

// KeySlot is one configured key slot.
type KeySlot struct {
	Name  string
	Value string
}

// LoadKeySlots reads PREFIX1..PREFIXn from the environment in slot order.
// Absent slots are returned with an empty value.
func LoadKeySlots(cfg KeysConfig) []KeySlot {
	slots := make([]KeySlot, 0, cfg.Slots)
	for i := 1; i <= cfg.Slots; i++ {
		name := cfg.EnvPrefix + strconv.Itoa(i)
		slots = append(slots, KeySlot{Name: name, Value: os.Getenv(name)})
	}
	return slots
}

// LoadKeys returns the non-empty key candidates in slot order. Length
// filtering is left to the registry.
func LoadKeys(cfg KeysConfig) []string {
	var keys []string
	for _, slot := range LoadKeySlots(cfg) {
		if slot.Value != "" {
			keys = append(keys, slot.Value)
		}
	}
	return keys
}
