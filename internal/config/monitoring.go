// Monitoring configuration - logging, metrics and telemetry settings.
//
// DESIGN: Separates logging (zerolog) from telemetry (JSONL file and/or SQLite).
// Logging is for operators, telemetry is for per-request analytics.
package config

import "fmt"

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"` // debug, info, warn, error
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json console"`         // json, console
	LogOutput string `yaml:"log_output"`                                                 // stdout, stderr, or file path

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"` // Expose /metrics

	// Telemetry settings
	TelemetryEnabled bool   `yaml:"telemetry_enabled"` // Enable per-request telemetry
	TelemetryPath    string `yaml:"telemetry_path"`    // Path to telemetry JSONL file
	TelemetryDB      string `yaml:"telemetry_db"`      // Path to telemetry SQLite database
	VerbosePayloads  bool   `yaml:"verbose_payloads"`  // Log request/response bodies at debug level

	// Alert thresholds
	SlowRequestThresholdMs int64 `yaml:"slow_request_threshold_ms" validate:"min=0"` // Flag requests slower than this
}

// DefaultSlowRequestThresholdMs flags buffered calls slower than one minute.
const DefaultSlowRequestThresholdMs = 60_000

func (m *MonitoringConfig) applyDefaults() {
	if m.LogLevel == "" {
		m.LogLevel = "info"
	}
	if m.LogFormat == "" {
		m.LogFormat = "console"
	}
	if m.LogOutput == "" {
		m.LogOutput = "stderr"
	}
	if m.SlowRequestThresholdMs == 0 {
		m.SlowRequestThresholdMs = DefaultSlowRequestThresholdMs
	}
}

// Validate checks cross-field monitoring rules.
func (m MonitoringConfig) Validate() error {
	if m.TelemetryEnabled && m.TelemetryPath == "" && m.TelemetryDB == "" {
		return fmt.Errorf("monitoring.telemetry_enabled requires telemetry_path or telemetry_db")
	}
	return nil
}
