// Package config loads and validates the gateway configuration.
//
// DESIGN: One YAML file, ${VAR:-default} expansion, then each package's
// WithDefaults and Validate. Package config types are re-exported here so
// cmd/ only imports this package.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - sections.go:   Server and session sections, re-exported package configs
//   - monitoring.go: Logging, completion log and metrics settings
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/compresr/turnstile/internal/admission"
	"github.com/compresr/turnstile/internal/history"
	"github.com/compresr/turnstile/internal/pool"
	"github.com/compresr/turnstile/internal/session"
	"github.com/compresr/turnstile/internal/tokens"
	"github.com/compresr/turnstile/internal/upstream"
)

// Environment overrides, applied after expansion.
const (
	EnvUpstreamAPIKey = "TURNSTILE_UPSTREAM_API_KEY"
	EnvLogLevel       = "TURNSTILE_LOG_LEVEL"
	EnvCompletionLog  = "TURNSTILE_COMPLETION_LOG"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Upstream   UpstreamConfig   `yaml:"upstream"`   // Backend endpoint
	Pool       PoolConfig       `yaml:"pool"`       // Upstream connection pool
	Session    SessionConfig    `yaml:"session"`    // Admission and per-session limits
	Normalizer NormalizerConfig `yaml:"normalizer"` // History normalization and loop detection
	Tokens     TokensConfig     `yaml:"tokens"`     // Token estimation
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging, completion log, metrics
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, env overrides, defaults and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets deployments inject secrets and verbosity without
// touching the file.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv(EnvUpstreamAPIKey); key != "" {
		c.Upstream.APIKey = key
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Monitoring.Log.Level = level
	}
	if path := os.Getenv(EnvCompletionLog); path != "" {
		c.Monitoring.CompletionLog.Path = path
		c.Monitoring.CompletionLog.Enabled = true
	}
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	c.Server = withServerDefaults(c.Server)
	c.Upstream = upstream.WithDefaults(c.Upstream)
	c.Pool = pool.WithDefaults(c.Pool)
	c.Session.Admission = admission.WithDefaults(c.Session.Admission)
	c.Session.Limits = session.WithDefaults(c.Session.Limits)
	c.Normalizer = history.WithDefaults(c.Normalizer)
	c.Tokens = tokens.WithDefaults(c.Tokens)
	c.Monitoring = withMonitoringDefaults(c.Monitoring)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Upstream.Validate(); err != nil {
		return err
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Session.Admission.Validate(); err != nil {
		return err
	}
	if err := c.Session.Limits.Validate(); err != nil {
		return err
	}
	if err := c.Normalizer.Validate(); err != nil {
		return err
	}
	if err := c.Tokens.Validate(); err != nil {
		return err
	}

	// A pool wait longer than the whole stream budget can never be honoured.
	if c.Session.Limits.AcquireTimeout > c.Session.Limits.StreamMaxDuration {
		return fmt.Errorf("session.acquire_timeout (%s) exceeds session.stream_max_duration (%s)",
			c.Session.Limits.AcquireTimeout, c.Session.Limits.StreamMaxDuration)
	}
	return nil
}
