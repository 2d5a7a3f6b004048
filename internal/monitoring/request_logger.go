// Package monitoring - request_logger.go logs the request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming: Request received from the client
//   - LogStage:    Dispatcher stage transition
//   - LogOutgoing: Request forwarded to the provider
//   - LogResponse: Response sent to the client
//   - LogPayload:  Body dump, only when verbose payloads are enabled
package monitoring

import (
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger  *Logger
	verbose bool
}

// NewRequestLogger creates a new request logger. verbose enables LogPayload.
func NewRequestLogger(logger *Logger, verbose bool) *RequestLogger {
	return &RequestLogger{logger: logger, verbose: verbose}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Str("remote", info.RemoteAddr).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// LogStage logs a dispatcher stage transition.
func (rl *RequestLogger) LogStage(requestID, provider, stage string) {
	rl.logger.Debug().
		Str("request_id", requestID).
		Str("provider", provider).
		Str("stage", stage).
		Msg("stage")
}

// OutgoingRequestInfo contains outgoing request information.
type OutgoingRequestInfo struct {
	RequestID string
	Provider  string
	Adapter   string
	TargetURL string
	BodySize  int
	Streaming bool
	Signed    bool
}

// LogOutgoing logs an outgoing request.
func (rl *RequestLogger) LogOutgoing(info *OutgoingRequestInfo) {
	event := rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("provider", info.Provider).
		Str("adapter", info.Adapter).
		Str("target", info.TargetURL).
		Int("body_size", info.BodySize).
		Bool("stream", info.Streaming)
	if info.Signed {
		event = event.Bool("signed", true)
	}
	event.Msg("outgoing")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	RequestID  string
	StatusCode int
	Outcome    StreamOutcome
	Latency    time.Duration
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Int("status", info.StatusCode).
		Str("outcome", string(info.Outcome)).
		Dur("latency", info.Latency).
		Msg("response")
}

// LogPayload dumps a body at debug level when verbose payloads are on.
func (rl *RequestLogger) LogPayload(requestID, direction string, body []byte) {
	if !rl.verbose {
		return
	}
	event := rl.logger.Debug().
		Str("request_id", requestID).
		Str("direction", direction)
	if gjson.ValidBytes(body) {
		event = event.RawJSON("body", body)
	} else {
		event = event.Str("body", string(body))
	}
	event.Msg("payload")
}
