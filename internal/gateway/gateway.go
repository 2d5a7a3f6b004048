// Package gateway is the HTTP front of the compatibility proxy.
//
// DESIGN: The gateway owns the server, the router and the per-request
// wiring. Everything provider specific comes from provider.Registry; the
// translation itself lives in the adapters package. A request flows:
//
//	middleware → handler → Registry.Resolve → Dispatcher.Dispatch → telemetry
//
// FILES:
//   - gateway.go:     Gateway construction, server lifecycle
//   - handlers.go:    Routes and HTTP handlers
//   - dispatcher.go:  Upstream call and response modes
//   - stream.go:      SSE bridge between upstream and client
//   - transformer.go: Body, header and URL preparation
//   - middleware.go:  Recovery, logging, CORS, size limit
//   - errors.go:      Error taxonomy and client error bodies
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/izzoa/ccproxy-api-sub002/internal/config"
	"github.com/izzoa/ccproxy-api-sub002/internal/monitoring"
	"github.com/izzoa/ccproxy-api-sub002/internal/provider"
	"github.com/izzoa/ccproxy-api-sub002/internal/tokens"
	"github.com/izzoa/ccproxy-api-sub002/internal/upstream"
)

// Gateway serves the client-facing API.
type Gateway struct {
	cfg          *config.Config
	version      string
	maxBodyBytes int64

	registry   *provider.Registry
	client     *http.Client
	dispatcher *Dispatcher
	counter    *tokens.Counter

	logger        *monitoring.Logger
	requestLogger *monitoring.RequestLogger
	alerts        *monitoring.AlertManager
	metrics       *monitoring.Metrics
	tracker       *monitoring.Tracker

	handler http.Handler
	server  *http.Server
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithRegistry uses r instead of building one from the config.
func WithRegistry(r *provider.Registry) Option {
	return func(g *Gateway) { g.registry = r }
}

// WithHTTPClient sets the upstream client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithLogger sets the operator logger.
func WithLogger(l *monitoring.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracker sets the telemetry tracker.
func WithTracker(t *monitoring.Tracker) Option {
	return func(g *Gateway) { g.tracker = t }
}

// WithCounter sets the local token counter.
func WithCounter(c *tokens.Counter) Option {
	return func(g *Gateway) { g.counter = c }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// New creates a gateway from cfg. Collaborators not supplied through
// options are built from the config.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg:          cfg,
		version:      "dev",
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	for _, opt := range opts {
		opt(g)
	}

	mon := cfg.Monitoring
	if g.logger == nil {
		g.logger = monitoring.New(monitoring.LoggerConfig{Level: mon.LogLevel, Format: mon.LogFormat, Output: mon.LogOutput})
	}
	if g.metrics == nil {
		g.metrics = monitoring.NewMetrics()
	}
	if g.tracker == nil {
		tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
			Enabled: mon.TelemetryEnabled,
			LogPath: mon.TelemetryPath,
			DBPath:  mon.TelemetryDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry tracker: %w", err)
		}
		g.tracker = tracker
	}
	if g.registry == nil {
		registry, err := provider.NewRegistry(ctx, cfg.Providers, provider.RegistryOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to build provider registry: %w", err)
		}
		g.registry = registry
	}
	if g.client == nil {
		g.client = upstream.NewHTTPClient(cfg.Upstream)
	}
	if g.counter == nil {
		g.counter = tokens.NewCounter(tokens.DefaultEncoding)
	}

	g.requestLogger = monitoring.NewRequestLogger(g.logger, mon.VerbosePayloads)
	g.alerts = monitoring.NewAlertManager(g.logger, g.metrics, monitoring.AlertConfig{
		HighLatencyThreshold: time.Duration(mon.SlowRequestThresholdMs) * time.Millisecond,
	})
	g.dispatcher = NewDispatcher(g.client, cfg.Upstream, g.requestLogger, g.alerts, g.metrics)
	g.handler = g.routes()

	g.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           g.handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	return g, nil
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Addr returns the configured listen address.
func (g *Gateway) Addr() string {
	return g.server.Addr
}

// Start listens on the configured address. It returns nil after Shutdown.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.server.Addr, err)
	}
	return g.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after Shutdown.
func (g *Gateway) Serve(ln net.Listener) error {
	g.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("providers", len(g.registry.Descriptors())).
		Msg("gateway listening")
	if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes telemetry.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	if cerr := g.tracker.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close telemetry: %w", cerr)
	}
	return err
}
