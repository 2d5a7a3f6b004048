// Package provider describes how one inbound request reaches its upstream.
//
// DESIGN: A Context is an immutable, per-request descriptor:
//   - which adapters translate the body and the response
//   - which optional transformers rewrite headers, body and response headers
//   - which credentials (Auth) or request signer (Signer) apply
//   - capability flags: streaming, stream-only, session requirement
//
// Transformers are narrow interfaces held as optional fields; nil means the
// provider has no such step. Contexts are built fresh by Registry.Resolve and
// passed by value; WithSessionID returns a modified copy.
package provider

import (
	"context"
	"maps"
	"net/http"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
	"github.com/izzoa/ccproxy-api-sub002/internal/auth"
)

// Endpoint identifies the client-facing API route.
type Endpoint string

const (
	EndpointMessages    Endpoint = "messages"
	EndpointChat        Endpoint = "chat_completions"
	EndpointResponses   Endpoint = "responses"
	EndpointCountTokens Endpoint = "count_tokens"
	EndpointModels      Endpoint = "models"
)

// ClientFormat returns the wire format clients use on the endpoint.
func (e Endpoint) ClientFormat() adapters.Format {
	switch e {
	case EndpointChat:
		return adapters.FormatOpenAIChat
	case EndpointResponses:
		return adapters.FormatOpenAIResponses
	default:
		return adapters.FormatAnthropic
	}
}

// HeaderTransformer rewrites outbound headers. Keys are lowercase.
type HeaderTransformer interface {
	TransformHeaders(headers map[string]string, sessionID, bearerToken string) map[string]string
}

// BodyTransformer rewrites the already adapted outbound body.
type BodyTransformer interface {
	TransformBody(body []byte, sessionID string) ([]byte, error)
}

// ResponseTransformer selects the upstream response headers forwarded to the
// client. Keys are lowercase.
type ResponseTransformer interface {
	TransformResponseHeaders(headers map[string]string) map[string]string
}

// Signer signs the final outbound request, for providers that authenticate
// by signature instead of headers.
type Signer interface {
	Sign(ctx context.Context, req *http.Request, body []byte) error
}

// Context bundles everything the dispatcher needs for one request.
type Context struct {
	Name          string
	TargetBaseURL string
	RoutePrefix   string
	PathRewrite   func(path string) string
	Endpoint      Endpoint
	ClientFormat  adapters.Format
	AdapterName   string

	RequestAdapter  adapters.RequestAdapter
	ResponseAdapter adapters.ResponseAdapter
	StreamAdapter   adapters.StreamAdapter

	HeaderTransformer   HeaderTransformer
	BodyTransformer     BodyTransformer
	ResponseTransformer ResponseTransformer
	Signer              Signer
	Auth                auth.Manager

	SessionID         string
	SupportsStreaming bool
	StreamOnly        bool
	RequiresSession   bool
	ExtraHeaders      map[string]string
}

// New copies ctx, detaching ExtraHeaders from the caller's map.
func New(ctx Context) Context {
	ctx.ExtraHeaders = maps.Clone(ctx.ExtraHeaders)
	if ctx.ExtraHeaders == nil {
		ctx.ExtraHeaders = map[string]string{}
	}
	return ctx
}

// WithSessionID returns a copy carrying id.
func (c Context) WithSessionID(id string) Context {
	c.SessionID = id
	c.ExtraHeaders = maps.Clone(c.ExtraHeaders)
	return c
}

// Headers returns a copy of the extra headers.
func (c Context) Headers() map[string]string {
	return maps.Clone(c.ExtraHeaders)
}
