// Package upstream builds the outbound transports used to reach providers.
//
// DESIGN: One shared *http.Client per gateway:
//   - dial and response-header timeouts from config (no overall client
//     timeout, so long streams are never cut; buffered calls add their own
//     deadline through the request context)
//   - ws:// and wss:// base URLs are routed to WebSocketTransport through
//     http.Transport.RegisterProtocol
//   - Classify maps transport errors onto connect/timeout/canceled kinds
//
// Bedrock requests are signed separately by BedrockSigner just before send.
package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/izzoa/ccproxy-api-sub002/internal/config"
)

// ErrorKind classifies a failed round trip.
type ErrorKind string

const (
	KindNone     ErrorKind = ""
	KindConnect  ErrorKind = "connect"
	KindTimeout  ErrorKind = "timeout"
	KindCanceled ErrorKind = "canceled"
	KindOther    ErrorKind = "other"
)

// NewHTTPClient returns a client tuned for provider calls.
func NewHTTPClient(cfg config.UpstreamConfig) *http.Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = config.DefaultConnectTimeout
	}
	idle := cfg.MaxIdleConnsPerHost
	if idle <= 0 {
		idle = config.DefaultMaxIdleConnsPerHost
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          idle * 4,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		// SSE bodies must reach the bridge unbuffered and uncompressed
		DisableCompression: true,
	}

	ws := NewWebSocketTransport(connectTimeout)
	transport.RegisterProtocol("ws", ws)
	transport.RegisterProtocol("wss", ws)

	return &http.Client{
		Transport: transport,
		// Never follow redirects: a provider redirect is surfaced as-is.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Classify maps a round-trip error onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, errDial) {
		return KindConnect
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// a dial timeout is still a connect failure
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return KindConnect
		}
		return KindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnect
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnect
	}
	return KindOther
}
