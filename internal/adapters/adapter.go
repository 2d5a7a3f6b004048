// Package adapters translates request and response bodies between LLM wire formats.
//
// DESIGN: The gateway speaks three wire formats:
//
//   - Anthropic Messages          (client and upstream)
//   - OpenAI Chat Completions     (client and upstream)
//   - OpenAI Responses (Codex)    (upstream only)
//
// A FormatAdapter pairs the client format with the upstream format. Translating
// adapters go through a canonical Request/Response model; streams are decoded
// into normalized StreamEvents by the upstream side and re-encoded by the
// client side, frame by frame. The passthrough adapter keeps raw bytes and only
// rewrites the model alias and the injected instructions.
//
// FLOW:
//  1. Provider registry builds a fresh adapter for each inbound request
//  2. AdaptRequest records the client's model alias and translates the body
//  3. AdaptResponse / AdaptStream translate the upstream answer back
//
// Adapters are NOT safe for concurrent use: one instance serves one request.
package adapters

import (
	"fmt"
	"iter"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// Format identifies a wire format.
type Format string

const (
	FormatAnthropic       Format = "anthropic"
	FormatOpenAIChat      Format = "openai_chat"
	FormatOpenAIResponses Format = "openai_responses"
)

// RequestAdapter translates client request bodies into upstream request bodies.
type RequestAdapter interface {
	// AdaptRequest translates body. On failure it returns the unmodified body
	// together with the error so fail-open callers can forward it as is.
	AdaptRequest(body []byte) ([]byte, error)
}

// ResponseAdapter translates buffered upstream responses.
type ResponseAdapter interface {
	// AdaptResponse rebuilds the client envelope from an upstream response body.
	AdaptResponse(body []byte) ([]byte, error)

	// ReplayAsStream renders a buffered upstream response as the complete
	// client SSE sequence. Used when a provider cannot stream.
	ReplayAsStream(body []byte) ([]sse.Frame, error)
}

// StreamAdapter translates upstream SSE streams.
type StreamAdapter interface {
	// AdaptStream yields client frames as upstream frames arrive. Translation
	// state lives only for the duration of one call.
	AdaptStream(frames iter.Seq2[sse.Frame, error]) iter.Seq2[sse.Frame, error]

	// CollectStream drains an upstream stream into one buffered client response.
	// Used when a provider only streams but the client asked for JSON.
	CollectStream(frames iter.Seq2[sse.Frame, error]) ([]byte, error)
}

// FormatAdapter is the full capability set of one client/upstream pairing.
type FormatAdapter interface {
	Name() string
	ClientFormat() Format
	RequestAdapter
	ResponseAdapter
	StreamAdapter
}

// Options configures translation for one provider route.
type Options struct {
	// ModelMap maps client model aliases to upstream model ids.
	ModelMap map[string]string

	// Instructions are provider-native instructions merged into the first
	// system entry.
	Instructions Injector

	// DefaultMaxTokens is used when the client omitted a token limit and the
	// upstream format requires one.
	DefaultMaxTokens int
}

// ResolveModel returns the upstream id for a client alias.
func (o Options) ResolveModel(alias string) string {
	if id, ok := o.ModelMap[alias]; ok && id != "" {
		return id
	}
	return alias
}

// BaseAdapter provides common functionality for all adapters.
type BaseAdapter struct {
	name   string
	client Format
}

// Name returns the adapter name.
func (a *BaseAdapter) Name() string {
	return a.name
}

// ClientFormat returns the wire format the client speaks.
func (a *BaseAdapter) ClientFormat() Format {
	return a.client
}

// ParseError reports a body or frame that could not be decoded.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseError(op string, err error) *ParseError {
	return &ParseError{Op: op, Err: err}
}
