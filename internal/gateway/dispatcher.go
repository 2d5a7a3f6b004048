// Dispatcher - one request from resolved provider context to client response.
//
// DESIGN: Dispatch walks a fixed sequence of stages, each logged at debug:
//
//	Received → AuthResolved → RequestTransformed → UpstreamDispatched →
//	  BufferedResponseReady | StreamOpened → Completed | Failed
//
// The upstream call mode follows the provider's capabilities:
//
//	client stream, provider streams      → bridge frames as they arrive
//	client stream, provider cannot       → buffered call, replayed as SSE
//	client buffered, provider stream-only → streamed call, collected into JSON
//	client buffered                      → buffered call
//
// Every failure ends in writeError, so the client sees a generic message in
// its own wire format and a status from the error taxonomy.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
	"github.com/izzoa/ccproxy-api-sub002/internal/auth"
	"github.com/izzoa/ccproxy-api-sub002/internal/config"
	"github.com/izzoa/ccproxy-api-sub002/internal/monitoring"
	"github.com/izzoa/ccproxy-api-sub002/internal/provider"
	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
	"github.com/izzoa/ccproxy-api-sub002/internal/upstream"
)

// Stage is a dispatcher state.
type Stage string

const (
	StageReceived              Stage = "received"
	StageAuthResolved          Stage = "auth_resolved"
	StageRequestTransformed    Stage = "request_transformed"
	StageUpstreamDispatched    Stage = "upstream_dispatched"
	StageBufferedResponseReady Stage = "buffered_response_ready"
	StageStreamOpened          Stage = "stream_opened"
	StageCompleted             Stage = "completed"
	StageFailed                Stage = "failed"
)

// StatusClientClosedRequest marks requests whose client left before the
// upstream answered. It is only recorded, never written.
const StatusClientClosedRequest = 499

// maxUpstreamBody bounds buffered upstream responses.
const maxUpstreamBody = 64 << 20

// maxDrainedErrorBody bounds how much of an upstream error body is read.
const maxDrainedErrorBody = 64 << 10

// Request is the inbound request as the dispatcher sees it.
type Request struct {
	ID        string
	Path      string
	RawQuery  string
	Headers   map[string]string // lowercase, client-only headers removed
	Body      []byte
	Streaming bool
}

// Result describes what was sent to the client.
type Result struct {
	Status         int
	UpstreamStatus int
	Outcome        monitoring.StreamOutcome
	Frames         int
	SessionID      string
	ClientModel    string
	ResponseSize   int
	InputTokens    int
	OutputTokens   int
	ForwardLatency time.Duration
	Err            error
}

// Dispatcher sends resolved requests upstream and writes the client response.
type Dispatcher struct {
	client        *http.Client
	cfg           config.UpstreamConfig
	requestLogger *monitoring.RequestLogger
	alerts        *monitoring.AlertManager
	metrics       *monitoring.Metrics
	bridge        StreamBridge
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(client *http.Client, cfg config.UpstreamConfig, requestLogger *monitoring.RequestLogger, alerts *monitoring.AlertManager, metrics *monitoring.Metrics) *Dispatcher {
	return &Dispatcher{
		client:        client,
		cfg:           cfg,
		requestLogger: requestLogger,
		alerts:        alerts,
		metrics:       metrics,
	}
}

// Dispatch runs one request through pctx and writes the response to w.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, pctx provider.Context, req *Request) Result {
	res := Result{Outcome: monitoring.OutcomeNotStarted}
	d.stage(req, pctx, StageReceived)

	if pctx.RequiresSession && pctx.SessionID == "" {
		pctx = pctx.WithSessionID(uuid.NewString())
	}
	if pctx.SessionID != "" {
		w.Header().Set(HeaderSessionID, pctx.SessionID)
	}
	res.SessionID = pctx.SessionID

	// =========================================================================
	// AUTH
	// =========================================================================
	authHeaders, err := resolveAuth(ctx, pctx)
	if err != nil {
		return d.fail(w, pctx, req, res, err)
	}
	d.stage(req, pctx, StageAuthResolved)

	// =========================================================================
	// TRANSFORM
	// =========================================================================
	body, err := TransformBody(req.Body, pctx.RequestAdapter, pctx, d.cfg.FailMode)
	if err != nil {
		d.alerts.FlagInvalidRequest(req.ID, pctx.Name, err.Error())
		return d.fail(w, pctx, req, res, err)
	}
	res.ClientModel = clientModel(pctx.RequestAdapter)

	upstreamStream := pctx.StreamOnly || (req.Streaming && pctx.SupportsStreaming)
	if !upstreamStream {
		body = stripStreamFlags(body)
	}
	d.stage(req, pctx, StageRequestTransformed)
	d.requestLogger.LogPayload(req.ID, "upstream_request", body)

	target := BuildTargetURL(pctx.TargetBaseURL, req.Path, req.RawQuery, pctx)
	headers := PrepareHeaders(req.Headers, authHeaders, pctx.ExtraHeaders, pctx)
	if _, ok := headers["accept"]; !ok {
		if upstreamStream {
			headers["accept"] = "text/event-stream"
		} else {
			headers["accept"] = "application/json"
		}
	}

	// Every call that ends in one upstream or client body gets a whole-call
	// deadline, collected streams included. Live streams only end with the
	// upstream or the client.
	var upCtx context.Context
	var cancel context.CancelFunc
	if !(upstreamStream && req.Streaming) && d.cfg.RequestTimeout > 0 {
		upCtx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
	} else {
		upCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(upCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return d.fail(w, pctx, req, res, &InternalError{Err: fmt.Errorf("failed to build upstream request: %w", err)})
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if pctx.Signer != nil {
		if err := pctx.Signer.Sign(upCtx, httpReq, body); err != nil {
			return d.fail(w, pctx, req, res, &AuthenticationError{Provider: pctx.Name, Err: err})
		}
	}

	// =========================================================================
	// UPSTREAM
	// =========================================================================
	d.requestLogger.LogOutgoing(&monitoring.OutgoingRequestInfo{
		RequestID: req.ID,
		Provider:  pctx.Name,
		Adapter:   pctx.AdapterName,
		TargetURL: target,
		BodySize:  len(body),
		Streaming: upstreamStream,
		Signed:    pctx.Signer != nil,
	})
	d.stage(req, pctx, StageUpstreamDispatched)

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	res.ForwardLatency = time.Since(start)
	if err != nil {
		kind := upstream.Classify(err)
		if kind == upstream.KindCanceled && ctx.Err() != nil {
			res.Status = StatusClientClosedRequest
			res.Err = err
			d.stage(req, pctx, StageFailed)
			return res
		}
		d.metrics.UpstreamError(pctx.Name, string(kind))
		if kind == upstream.KindTimeout {
			d.alerts.FlagUpstreamTimeout(req.ID, pctx.Name, target, err)
		}
		return d.fail(w, pctx, req, res, &UpstreamError{Provider: pctx.Name, Kind: kind, Err: err})
	}
	defer resp.Body.Close()
	res.UpstreamStatus = resp.StatusCode

	forwardResponseHeaders(w, pctx, resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainedErrorBody))
		d.metrics.UpstreamError(pctx.Name, fmt.Sprintf("http_%dxx", resp.StatusCode/100))
		d.alerts.FlagProviderError(req.ID, pctx.Name, resp.StatusCode)
		log.Debug().
			Str("request_id", req.ID).
			Int("status", resp.StatusCode).
			Int64("body_bytes", n).
			Msg("upstream error body discarded")
		return d.fail(w, pctx, req, res, &UpstreamError{Provider: pctx.Name, UpstreamStatus: resp.StatusCode})
	}

	switch {
	case upstreamStream && req.Streaming:
		return d.stream(w, pctx, req, res, resp)
	case upstreamStream:
		return d.collect(w, pctx, req, res, resp)
	case req.Streaming:
		return d.replay(w, pctx, req, res, resp)
	default:
		return d.buffered(w, pctx, req, res, resp)
	}
}

// =============================================================================
// RESPONSE MODES
// =============================================================================

func (d *Dispatcher) buffered(w http.ResponseWriter, pctx provider.Context, req *Request, res Result, resp *http.Response) Result {
	data, err := readUpstreamBody(resp.Body)
	if err != nil {
		return d.bodyFailure(w, pctx, req, res, resp, err)
	}
	d.requestLogger.LogPayload(req.ID, "upstream_response", data)

	out, err := pctx.ResponseAdapter.AdaptResponse(data)
	if err != nil {
		if d.cfg.FailMode == config.FailClosed {
			return d.fail(w, pctx, req, res, &UpstreamError{Provider: pctx.Name, Kind: upstream.KindOther, Err: err})
		}
		log.Warn().Err(err).Str("provider", pctx.Name).Msg("response translation failed, forwarding upstream body")
		out = data
	}
	d.stage(req, pctx, StageBufferedResponseReady)

	res.Status = resp.StatusCode
	res.Outcome = monitoring.OutcomeBuffered
	res.ResponseSize = len(out)
	res.InputTokens, res.OutputTokens = bodyUsage(out)
	writeJSON(w, resp.StatusCode, out)
	d.stage(req, pctx, StageCompleted)
	return res
}

func (d *Dispatcher) collect(w http.ResponseWriter, pctx provider.Context, req *Request, res Result, resp *http.Response) Result {
	out, err := pctx.StreamAdapter.CollectStream(sse.Frames(resp.Body))
	if err != nil {
		var streamErr *adapters.StreamError
		if resp.Request.Context().Err() == nil && (errors.As(err, &streamErr) || errors.Is(err, adapters.ErrStreamIncomplete)) {
			return d.fail(w, pctx, req, res, &UpstreamError{Provider: pctx.Name, Kind: upstream.KindOther, Err: err})
		}
		return d.bodyFailure(w, pctx, req, res, resp, err)
	}
	d.stage(req, pctx, StageBufferedResponseReady)

	res.Status = http.StatusOK
	res.Outcome = monitoring.OutcomeCollected
	res.ResponseSize = len(out)
	res.InputTokens, res.OutputTokens = bodyUsage(out)
	writeJSON(w, http.StatusOK, out)
	d.stage(req, pctx, StageCompleted)
	return res
}

func (d *Dispatcher) replay(w http.ResponseWriter, pctx provider.Context, req *Request, res Result, resp *http.Response) Result {
	data, err := readUpstreamBody(resp.Body)
	if err != nil {
		return d.bodyFailure(w, pctx, req, res, resp, err)
	}
	frames, err := pctx.ResponseAdapter.ReplayAsStream(data)
	if err != nil {
		return d.fail(w, pctx, req, res, &UpstreamError{Provider: pctx.Name, Kind: upstream.KindOther, Err: err})
	}
	d.stage(req, pctx, StageStreamOpened)

	sr := d.bridge.WriteFrames(w, frames)
	return d.finishStream(pctx, req, res, sr, monitoring.OutcomeReplayed)
}

func (d *Dispatcher) stream(w http.ResponseWriter, pctx provider.Context, req *Request, res Result, resp *http.Response) Result {
	if _, ok := w.(http.Flusher); !ok {
		return d.fail(w, pctx, req, res, &InternalError{Err: sse.ErrFlushUnsupported})
	}
	d.stage(req, pctx, StageStreamOpened)

	sr := d.bridge.Stream(w, resp.Body, pctx.StreamAdapter)
	return d.finishStream(pctx, req, res, sr, monitoring.OutcomeCompleted)
}

func (d *Dispatcher) finishStream(pctx provider.Context, req *Request, res Result, sr StreamResult, clean monitoring.StreamOutcome) Result {
	res.Status = http.StatusOK
	res.Frames = sr.Frames
	res.InputTokens, res.OutputTokens = sr.InputTokens, sr.OutputTokens
	res.Outcome = clean
	if !sr.Clean {
		res.Outcome = monitoring.OutcomeAborted
		res.Err = sr.Err
		d.alerts.FlagStreamAborted(req.ID, pctx.Name, sr.Frames, sr.Err)
	}
	d.metrics.StreamFinished(pctx.Name, res.Outcome, sr.Frames)
	if sr.Clean {
		d.stage(req, pctx, StageCompleted)
	} else {
		d.stage(req, pctx, StageFailed)
	}
	return res
}

// =============================================================================
// HELPERS
// =============================================================================

func (d *Dispatcher) fail(w http.ResponseWriter, pctx provider.Context, req *Request, res Result, err error) Result {
	res.Status = writeError(w, pctx.ClientFormat, err)
	res.Err = err
	log.Warn().
		Err(err).
		Str("request_id", req.ID).
		Str("provider", pctx.Name).
		Int("status", res.Status).
		Msg("request failed")
	d.stage(req, pctx, StageFailed)
	return res
}

// bodyFailure maps an error hit while reading the upstream body. The call's
// context tells a request timeout (504) and a departed client (499) apart
// from a broken upstream.
func (d *Dispatcher) bodyFailure(w http.ResponseWriter, pctx provider.Context, req *Request, res Result, resp *http.Response, err error) Result {
	kind := upstream.Classify(err)
	switch ctxErr := resp.Request.Context().Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		kind = upstream.KindTimeout
	case errors.Is(ctxErr, context.Canceled):
		res.Status = StatusClientClosedRequest
		res.Err = err
		d.stage(req, pctx, StageFailed)
		return res
	case kind == upstream.KindNone || kind == upstream.KindCanceled:
		kind = upstream.KindOther
	}
	d.metrics.UpstreamError(pctx.Name, string(kind))
	if kind == upstream.KindTimeout {
		d.alerts.FlagUpstreamTimeout(req.ID, pctx.Name, resp.Request.URL.String(), err)
	}
	return d.fail(w, pctx, req, res, &UpstreamError{Provider: pctx.Name, Kind: kind, Err: err})
}

func (d *Dispatcher) stage(req *Request, pctx provider.Context, s Stage) {
	d.requestLogger.LogStage(req.ID, pctx.Name, string(s))
}

// resolveAuth returns the provider credentials. No credentials at all is an
// authentication failure unless the request is signed or the provider is
// configured without auth.
func resolveAuth(ctx context.Context, pctx provider.Context) (map[string]string, error) {
	if pctx.Auth == nil {
		if pctx.Signer != nil {
			return map[string]string{}, nil
		}
		return nil, &AuthenticationError{Provider: pctx.Name}
	}
	headers, err := pctx.Auth.AuthHeaders(ctx)
	if err != nil {
		return nil, &AuthenticationError{Provider: pctx.Name, Err: err}
	}
	if !pctx.Auth.ValidateCredentials(ctx) {
		return nil, &AuthenticationError{Provider: pctx.Name, Err: auth.ErrNoCredentials}
	}
	if len(headers) == 0 && pctx.Signer == nil {
		if _, anonymous := pctx.Auth.(*auth.None); !anonymous {
			return nil, &AuthenticationError{Provider: pctx.Name}
		}
	}
	return headers, nil
}

// stripStreamFlags turns a request into a non-streaming one.
func stripStreamFlags(body []byte) []byte {
	for _, key := range []string{"stream", "stream_options"} {
		if !gjson.GetBytes(body, key).Exists() {
			continue
		}
		if out, err := sjson.DeleteBytes(body, key); err == nil {
			body = out
		}
	}
	return body
}

func clientModel(a adapters.RequestAdapter) string {
	if m, ok := a.(interface{ ClientModel() string }); ok {
		return m.ClientModel()
	}
	return ""
}

// forwardResponseHeaders copies the provider's allowed response headers,
// never overriding headers the gateway already set.
func forwardResponseHeaders(w http.ResponseWriter, pctx provider.Context, h http.Header) {
	if pctx.ResponseTransformer == nil {
		return
	}
	for k, v := range pctx.ResponseTransformer.TransformResponseHeaders(responseHeaders(h)) {
		if w.Header().Get(k) != "" {
			continue
		}
		w.Header().Set(k, v)
	}
}

func readUpstreamBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
