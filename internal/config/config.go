// Package config loads and validates the gateway configuration.
//
// DESIGN: Configuration comes from one YAML file with ${VAR:-default}
// expansion, so secrets stay in the environment (or a .env file loaded by the
// CLI). Server and provider settings are explicit; only operational knobs such
// as timeouts and log format fall back to defaults.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - providers.go:  Provider routes, auth, model aliases, instructions
//   - monitoring.go: Logging, metrics and telemetry settings
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`                                   // HTTP server settings
	Upstream   UpstreamConfig   `yaml:"upstream"`                                 // Outbound call settings
	Monitoring MonitoringConfig `yaml:"monitoring"`                               // Logging, metrics, telemetry
	Providers  ProvidersConfig  `yaml:"providers" validate:"required,min=1,dive"` // Provider routes
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`                                     // Interface to bind
	Port            int           `yaml:"port" validate:"required,min=1,max=65535"` // Port to listen on
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"required"`         // Max time to read request
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`           // 0 disables (long streams)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`        // Graceful shutdown budget
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"min=0"`          // Request size limit
}

// Fail modes for request body translation.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// UpstreamConfig contains settings for calls to providers.
type UpstreamConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout" validate:"min=0"`                 // TCP dial timeout
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" validate:"min=0"`         // Wait for upstream headers (→ 504)
	RequestTimeout        time.Duration `yaml:"request_timeout" validate:"min=0"`                 // Whole buffered call
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host" validate:"min=0"`         // Pool size
	FailMode              string        `yaml:"fail_mode" validate:"omitempty,oneof=open closed"` // open (default) or closed
}

// Defaults for operational settings.
const (
	DefaultHost                  = "127.0.0.1"
	DefaultShutdownTimeout       = 10 * time.Second
	DefaultMaxBodyBytes          = 32 << 20
	DefaultConnectTimeout        = 10 * time.Second
	DefaultResponseHeaderTimeout = 120 * time.Second
	DefaultRequestTimeout        = 10 * time.Minute
	DefaultMaxIdleConnsPerHost   = 32
)

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
// Returns an error if the file doesn't exist or is invalid.
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
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets deployments redirect outputs without editing the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CCPROXY_LOG_LEVEL"); v != "" {
		c.Monitoring.LogLevel = v
	}
	if v := os.Getenv("CCPROXY_TELEMETRY_LOG"); v != "" {
		c.Monitoring.TelemetryPath = v
		c.Monitoring.TelemetryEnabled = true
	}
	if v := os.Getenv("CCPROXY_TELEMETRY_DB"); v != "" {
		c.Monitoring.TelemetryDB = v
		c.Monitoring.TelemetryEnabled = true
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Upstream.ConnectTimeout == 0 {
		c.Upstream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Upstream.ResponseHeaderTimeout == 0 {
		c.Upstream.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = DefaultRequestTimeout
	}
	if c.Upstream.MaxIdleConnsPerHost == 0 {
		c.Upstream.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if c.Upstream.FailMode == "" {
		c.Upstream.FailMode = FailOpen
	}
	c.Monitoring.applyDefaults()
	for name, p := range c.Providers {
		p.applyDefaults(name)
		c.Providers[name] = p
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if err := c.Providers.Validate(); err != nil {
		return err
	}

	return c.Monitoring.Validate()
}
