// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by the gateway, cmd and monitoring packages.
// Defined here ONCE so monitoring never has to import config.
//
// TYPES:
//   - StreamOutcome: How a streamed response ended
//   - RequestEvent:  Telemetry data for each request
//   - Config types:  TelemetryConfig, LoggerConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// STREAM OUTCOMES - Used by the dispatcher and telemetry
// =============================================================================

// StreamOutcome describes how a response reached the client.
type StreamOutcome string

const (
	OutcomeBuffered   StreamOutcome = "buffered"   // single JSON body
	OutcomeCompleted  StreamOutcome = "completed"  // stream ended cleanly
	OutcomeAborted    StreamOutcome = "aborted"    // upstream or client cut the stream
	OutcomeReplayed   StreamOutcome = "replayed"   // buffered upstream replayed as SSE
	OutcomeCollected  StreamOutcome = "collected"  // upstream stream aggregated into JSON
	OutcomeNotStarted StreamOutcome = "not_started"
)

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// RequestEvent captures one request through the gateway.
type RequestEvent struct {
	RequestID        string        `json:"request_id"`
	Timestamp        time.Time     `json:"timestamp"`
	Method           string        `json:"method"`
	Path             string        `json:"path"`
	ClientIP         string        `json:"client_ip"`
	Provider         string        `json:"provider"`
	Adapter          string        `json:"adapter,omitempty"`
	ClientModel      string        `json:"client_model,omitempty"`
	SessionID        string        `json:"session_id,omitempty"`
	Streaming        bool          `json:"streaming"`
	Outcome          StreamOutcome `json:"outcome"`
	FramesWritten    int           `json:"frames_written,omitempty"`
	RequestBodySize  int           `json:"request_body_size"`
	ResponseBodySize int           `json:"response_body_size"`
	StatusCode       int           `json:"status_code"`
	UpstreamStatus   int           `json:"upstream_status,omitempty"`
	Success          bool          `json:"success"`
	Error            string        `json:"error,omitempty"`
	ForwardLatencyMs int64         `json:"forward_latency_ms"`
	TotalLatencyMs   int64         `json:"total_latency_ms"`
	// Usage reported by the upstream, when the body carried it
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool
	LogPath     string // JSONL file
	DBPath      string // SQLite database
	LogToStdout bool
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration
}
