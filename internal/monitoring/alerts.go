// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:     Warn when a request exceeds the threshold
//   - FlagUpstreamTimeout: Error when the upstream never answered in time
//   - FlagProviderError:   Warn on upstream 4xx/5xx responses
//   - FlagStreamAborted:   Warn when a stream ends without its terminal event
//   - FlagPanic:           Error on recovered panics
//
// Every flag also bumps the alerts counter when metrics are wired in.
package monitoring

import "time"

// Alert names, used as log messages and metric labels.
const (
	AlertHighLatency     = "high_latency"
	AlertUpstreamTimeout = "upstream_timeout"
	AlertProviderError   = "provider_error"
	AlertStreamAborted   = "stream_aborted"
	AlertInvalidRequest  = "invalid_request"
	AlertPanic           = "panic_recovered"
)

// DefaultHighLatencyThreshold applies when AlertConfig leaves it unset.
const DefaultHighLatencyThreshold = time.Minute

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	metrics              *Metrics
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager. metrics may be nil.
func NewAlertManager(logger *Logger, metrics *Metrics, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold <= 0 {
		threshold = DefaultHighLatencyThreshold
	}
	return &AlertManager{logger: logger, metrics: metrics, highLatencyThreshold: threshold}
}

func (am *AlertManager) count(alert, provider string) {
	if am.metrics != nil {
		am.metrics.Alert(alert, provider)
	}
}

// FlagHighLatency logs when request latency exceeds the threshold.
// Returns true when the alert fired.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, provider, path string) bool {
	if latency < am.highLatencyThreshold {
		return false
	}
	am.count(AlertHighLatency, provider)
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("latency", latency).
		Dur("threshold", am.highLatencyThreshold).
		Str("provider", provider).
		Str("path", path).
		Msg(AlertHighLatency)
	return true
}

// FlagUpstreamTimeout logs an upstream timeout.
func (am *AlertManager) FlagUpstreamTimeout(requestID, provider, targetURL string, err error) {
	am.count(AlertUpstreamTimeout, provider)
	am.logger.Error().
		Str("request_id", requestID).
		Str("provider", provider).
		Str("target", targetURL).
		Err(err).
		Msg(AlertUpstreamTimeout)
}

// FlagProviderError logs an upstream error status. The body is never logged.
func (am *AlertManager) FlagProviderError(requestID, provider string, statusCode int) {
	am.count(AlertProviderError, provider)
	am.logger.Warn().
		Str("request_id", requestID).
		Str("provider", provider).
		Int("status", statusCode).
		Msg(AlertProviderError)
}

// FlagStreamAborted logs a stream that ended without a terminal event.
func (am *AlertManager) FlagStreamAborted(requestID, provider string, frames int, err error) {
	am.count(AlertStreamAborted, provider)
	am.logger.Warn().
		Str("request_id", requestID).
		Str("provider", provider).
		Int("frames", frames).
		Err(err).
		Msg(AlertStreamAborted)
}

// FlagInvalidRequest logs a request the gateway refused.
func (am *AlertManager) FlagInvalidRequest(requestID, provider, reason string) {
	am.count(AlertInvalidRequest, provider)
	am.logger.Debug().
		Str("request_id", requestID).
		Str("provider", provider).
		Str("reason", reason).
		Msg(AlertInvalidRequest)
}

// FlagPanic logs a recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue any, stack string) {
	am.count(AlertPanic, "")
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg(AlertPanic)
}
