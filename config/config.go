// Package config loads the wavemesh configuration.
//
// Values are resolved with the priority env > file > defaults and validated
// with struct tags before use.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/dispatch"
	"github.com/hupe1980/wavemesh/logging"
)

// Config is the complete wavemesh configuration.
type Config struct {
	Engine     EngineConfig               `yaml:"engine"`
	Registry   RegistryConfig             `yaml:"registry"`
	Logging    LoggingConfig              `yaml:"logging"`
	Checkpoint CheckpointConfig           `yaml:"checkpoint"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits" validate:"dive,keys,oneof=tool agent relic model workflow,endkeys"`
	MQTT       MQTTConfig                 `yaml:"mqtt"`
	Model      ModelConfig                `yaml:"model"`
	Server     ServerConfig               `yaml:"server"`
}

// EngineConfig tunes the engine, the agent loop and the scheduler.
type EngineConfig struct {
	MaxIterations            int           `yaml:"max_iterations" validate:"gte=1"`
	Interval                 core.Duration `yaml:"interval" validate:"gte=0"`
	MaxParallel              int           `yaml:"max_parallel" validate:"gte=1"`
	DefaultTimeout           core.Duration `yaml:"default_timeout" validate:"gt=0"`
	EventBuffer              int           `yaml:"event_buffer" validate:"gte=0"`
	MaxConcurrentInvocations int           `yaml:"max_concurrent_invocations" validate:"gte=0"`
	MaxDelegationDepth       int           `yaml:"max_delegation_depth" validate:"gte=1"`
	// DelegationLimits caps the calls per action type and execution.
	DelegationLimits map[string]int `yaml:"delegation_limits" validate:"dive,keys,oneof=tool agent relic model workflow,endkeys,gte=0"`
}

// RegistryConfig sizes the execution registry.
type RegistryConfig struct {
	Capacity int `yaml:"capacity" validate:"gte=1"`
}

// LoggingConfig selects level and format of the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Driver string `yaml:"driver" validate:"oneof=none memory badger"`
	Path   string `yaml:"path" validate:"required_if=Driver badger"`
}

// RateLimitConfig bounds the call rate of one action type.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// MQTTConfig configures the remote relic transport.
type MQTTConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Broker   string        `yaml:"broker" validate:"required_if=Enabled true,omitempty,url"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Prefix   string        `yaml:"prefix"`
	QoS      int           `yaml:"qos" validate:"gte=0,lte=2"`
	Timeout  core.Duration `yaml:"timeout" validate:"gte=0"`
}

// ModelConfig selects the model provider behind model actions.
type ModelConfig struct {
	Provider    string  `yaml:"provider" validate:"oneof=mock anthropic openai"`
	Name        string  `yaml:"name"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url" validate:"omitempty,url"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int64   `yaml:"max_tokens" validate:"gte=0"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout core.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxIterations:            10,
			MaxParallel:              4,
			DefaultTimeout:           core.Duration(30 * time.Second),
			EventBuffer:              100,
			MaxConcurrentInvocations: 10,
			MaxDelegationDepth:       3,
		},
		Registry:   RegistryConfig{Capacity: 1000},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Checkpoint: CheckpointConfig{Driver: "memory"},
		MQTT:       MQTTConfig{Prefix: "wavemesh", QoS: 1, Timeout: core.Duration(10 * time.Second)},
		Model:      ModelConfig{Provider: "mock", Temperature: 0.7, MaxTokens: 4096},
		Server:     ServerConfig{Addr: ":8080", ShutdownTimeout: core.Duration(10 * time.Second)},
	}
}

var validate = validator.New()

// Validate checks every field constraint.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return fmt.Errorf("invalid config: %w", err)
}

// Parse decodes YAML (or JSON) over the defaults, applies the environment
// and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Load reads path, or only defaults and environment when path is empty.
func Load(path string) (Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("load config file: %w", err)
	}
	return Parse(data)
}

// applyEnv overrides selected fields from WAVEMESH_* variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WAVEMESH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("WAVEMESH_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("WAVEMESH_MAX_ITERATIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxIterations = i
		}
	}
	if v := os.Getenv("WAVEMESH_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("WAVEMESH_CHECKPOINT_PATH"); v != "" {
		cfg.Checkpoint.Driver = "badger"
		cfg.Checkpoint.Path = v
	}
	if v := os.Getenv("WAVEMESH_MQTT_BROKER"); v != "" {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("WAVEMESH_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = strings.ToLower(v)
	}
}

// DispatchRateLimits converts the rate limits for dispatch.Options.
func (c Config) DispatchRateLimits() map[core.ActionType]dispatch.RateLimit {
	if len(c.RateLimits) == 0 {
		return nil
	}
	out := make(map[core.ActionType]dispatch.RateLimit, len(c.RateLimits))
	for t, rl := range c.RateLimits {
		out[core.ActionType(t)] = dispatch.RateLimit{PerSecond: rl.PerSecond, Burst: rl.Burst}
	}
	return out
}

// DelegationLimits converts the per-type call caps for the agent loop.
func (c Config) DelegationLimits() map[core.ActionType]int {
	if len(c.Engine.DelegationLimits) == 0 {
		return nil
	}
	out := make(map[core.ActionType]int, len(c.Engine.DelegationLimits))
	for t, n := range c.Engine.DelegationLimits {
		out[core.ActionType(t)] = n
	}
	return out
}

// NewLogger builds the configured logger writing to w.
func (c LoggingConfig) NewLogger(w io.Writer) logging.Logger {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		level = logging.LogLevelInfo
	}
	return logging.New(logging.Config{Level: level, Format: c.Format, Output: w})
}
