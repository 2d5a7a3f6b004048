package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
	"github.com/izzoa/ccproxy-api-sub002/internal/config"
	"github.com/izzoa/ccproxy-api-sub002/internal/monitoring"
	"github.com/izzoa/ccproxy-api-sub002/internal/provider"
)

// routes builds the router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(g.loggingMiddleware, g.panicRecovery, g.security, g.limitBody)

	r.Get("/health", g.handleHealth)
	if g.cfg.Monitoring.MetricsEnabled {
		r.Handle("/metrics", g.metrics.Handler())
	}

	r.Route("/{provider}/v1", func(r chi.Router) {
		r.Post("/messages", g.handleProxy)
		r.Post("/chat/completions", g.handleProxy)
		r.Post("/responses", g.handleProxy)
		r.Post("/messages/count_tokens", g.handleCountTokens)
		r.Get("/models", g.handleModels)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, formatForPath(r.URL.Path), http.StatusNotFound, msgNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, formatForPath(r.URL.Path), http.StatusMethodNotAllowed, msgMethodNotAllowed)
	})
	return r
}

// =============================================================================
// PROXY
// =============================================================================

// handleProxy serves messages, chat completions and responses.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := monitoring.RequestIDFromContext(r.Context())
	_, endpoint, _ := provider.SplitPath(r.URL.Path)
	format := endpoint.ClientFormat()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		status := writeError(w, format, &ParseError{Op: "read request body", Err: err})
		g.record(r, requestID, chi.URLParam(r, "provider"), endpoint, len(body), Result{Status: status, Err: err}, start)
		return
	}

	model, streaming := ExtractRequestMetadata(body)
	pctx, err := g.registry.Resolve(r.URL.Path, provider.RequestMeta{
		Model:     model,
		Streaming: streaming,
		SessionID: sessionID(r),
	})
	if err != nil {
		status := writeError(w, format, &UnsupportedRouteError{Path: r.URL.Path, Err: err})
		g.record(r, requestID, chi.URLParam(r, "provider"), endpoint, len(body), Result{Status: status, Err: err}, start)
		return
	}

	res := g.dispatcher.Dispatch(r.Context(), w, pctx, &Request{
		ID:        requestID,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		Headers:   clientHeaders(r.Header),
		Body:      body,
		Streaming: streaming,
	})
	if res.ClientModel == "" {
		res.ClientModel = model
	}
	g.recordContext(r, requestID, pctx, len(body), streaming, res, start)
}

// =============================================================================
// COUNT TOKENS
// =============================================================================

// handleCountTokens proxies to providers with a native endpoint and counts
// locally everywhere else.
func (g *Gateway) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := monitoring.RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "provider")

	d, ok := g.registry.Descriptor(name)
	if !ok {
		writeErrorStatus(w, adapters.FormatAnthropic, http.StatusNotFound, msgNotFound)
		g.record(r, requestID, name, provider.EndpointCountTokens, 0, Result{Status: http.StatusNotFound}, start)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		status := writeError(w, adapters.FormatAnthropic, &ParseError{Op: "read request body", Err: err})
		g.record(r, requestID, d.Name, provider.EndpointCountTokens, len(body), Result{Status: status, Err: err}, start)
		return
	}

	if d.CountTokens == config.CountTokensUpstream {
		model, _ := ExtractRequestMetadata(body)
		pctx, err := g.registry.Resolve(r.URL.Path, provider.RequestMeta{Model: model, SessionID: sessionID(r)})
		if err == nil {
			res := g.dispatcher.Dispatch(r.Context(), w, pctx, &Request{
				ID:       requestID,
				Path:     r.URL.Path,
				RawQuery: r.URL.RawQuery,
				Headers:  clientHeaders(r.Header),
				Body:     body,
			})
			g.recordContext(r, requestID, pctx, len(body), false, res, start)
			return
		}
		log.Debug().Err(err).Str("provider", d.Name).Msg("count_tokens falling back to local estimate")
	}

	n, err := g.counter.CountMessages(body)
	if err != nil {
		status := writeError(w, adapters.FormatAnthropic, &ParseError{Op: "count tokens", Err: err})
		g.record(r, requestID, d.Name, provider.EndpointCountTokens, len(body), Result{Status: status, Err: err}, start)
		return
	}
	out, _ := json.Marshal(map[string]int{"input_tokens": n})
	writeJSON(w, http.StatusOK, out)
	g.record(r, requestID, d.Name, provider.EndpointCountTokens, len(body), Result{
		Status:       http.StatusOK,
		Outcome:      monitoring.OutcomeBuffered,
		ResponseSize: len(out),
		InputTokens:  n,
	}, start)
}

// =============================================================================
// MODELS
// =============================================================================

type modelEntry struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	OwnedBy     string `json:"owned_by"`
	Created     int64  `json:"created"`
}

type modelList struct {
	Object  string       `json:"object"`
	Data    []modelEntry `json:"data"`
	HasMore bool         `json:"has_more"`
	FirstID string       `json:"first_id,omitempty"`
	LastID  string       `json:"last_id,omitempty"`
}

// handleModels lists the provider's model aliases in a shape both OpenAI and
// Anthropic clients accept.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	d, ok := g.registry.Descriptor(chi.URLParam(r, "provider"))
	if !ok {
		writeErrorStatus(w, adapters.FormatAnthropic, http.StatusNotFound, msgNotFound)
		return
	}

	list := modelList{Object: "list", Data: []modelEntry{}}
	for _, alias := range d.Models() {
		list.Data = append(list.Data, modelEntry{
			ID:          alias,
			Object:      "model",
			Type:        "model",
			DisplayName: alias,
			OwnedBy:     d.Name,
		})
	}
	if n := len(list.Data); n > 0 {
		list.FirstID = list.Data[0].ID
		list.LastID = list.Data[n-1].ID
	}
	out, err := json.Marshal(list)
	if err != nil {
		writeError(w, adapters.FormatAnthropic, &InternalError{Err: err})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HEALTH
// =============================================================================

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0)
	for _, d := range g.registry.Descriptors() {
		names = append(names, d.Name)
	}
	out, _ := json.Marshal(map[string]any{
		"status":    "ok",
		"version":   g.version,
		"providers": names,
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// TELEMETRY
// =============================================================================

func (g *Gateway) recordContext(r *http.Request, requestID string, pctx provider.Context, bodySize int, streaming bool, res Result, start time.Time) {
	latency := time.Since(start)
	route := string(pctx.Endpoint)
	g.metrics.ObserveRequest(pctx.Name, route, res.Status, latency)
	if res.Outcome == monitoring.OutcomeBuffered || res.Outcome == monitoring.OutcomeCollected {
		g.alerts.FlagHighLatency(requestID, latency, pctx.Name, r.URL.Path)
	}

	g.tracker.RecordRequest(&monitoring.RequestEvent{
		RequestID:        requestID,
		Method:           r.Method,
		Path:             r.URL.Path,
		ClientIP:         getClientIP(r),
		Provider:         pctx.Name,
		Adapter:          pctx.AdapterName,
		ClientModel:      res.ClientModel,
		SessionID:        res.SessionID,
		Streaming:        streaming,
		Outcome:          res.Outcome,
		FramesWritten:    res.Frames,
		RequestBodySize:  bodySize,
		ResponseBodySize: res.ResponseSize,
		StatusCode:       res.Status,
		UpstreamStatus:   res.UpstreamStatus,
		Success:          res.Status >= 200 && res.Status < 300 && res.Outcome != monitoring.OutcomeAborted,
		Error:            errorText(res.Err),
		ForwardLatencyMs: res.ForwardLatency.Milliseconds(),
		TotalLatencyMs:   latency.Milliseconds(),
		InputTokens:      res.InputTokens,
		OutputTokens:     res.OutputTokens,
	})
}

// record covers requests that never reached the dispatcher.
func (g *Gateway) record(r *http.Request, requestID, providerName string, endpoint provider.Endpoint, bodySize int, res Result, start time.Time) {
	if res.Outcome == "" {
		res.Outcome = monitoring.OutcomeNotStarted
	}
	g.recordContext(r, requestID, provider.Context{Name: providerName, Endpoint: endpoint}, bodySize, false, res, start)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get(HeaderSessionID); id != "" {
		return id
	}
	return r.Header.Get("Session_id")
}
