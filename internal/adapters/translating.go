package adapters

import (
	"fmt"
	"iter"

	"github.com/rs/zerolog/log"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// TranslatingAdapter converts between two different wire formats through the
// canonical model.
type TranslatingAdapter struct {
	BaseAdapter
	client   clientCodec
	upstream upstreamCodec
	opts     Options

	// clientModel is the alias the client asked for, echoed back in responses.
	clientModel string
}

var _ FormatAdapter = (*TranslatingAdapter)(nil)

// NewTranslatingAdapter creates an adapter from client format to upstream format.
func NewTranslatingAdapter(client, upstream Format, opts Options) (*TranslatingAdapter, error) {
	cc, err := clientCodecFor(client)
	if err != nil {
		return nil, err
	}
	uc, err := upstreamCodecFor(upstream)
	if err != nil {
		return nil, err
	}
	return &TranslatingAdapter{
		BaseAdapter: BaseAdapter{
			name:   fmt.Sprintf("%s->%s", client, upstream),
			client: client,
		},
		client:   cc,
		upstream: uc,
		opts:     opts,
	}, nil
}

// NewAnthropicOpenAIAdapter serves OpenAI Chat clients from an Anthropic
// Messages upstream.
func NewAnthropicOpenAIAdapter(opts Options) *TranslatingAdapter {
	a, _ := NewTranslatingAdapter(FormatOpenAIChat, FormatAnthropic, opts)
	a.name = "anthropic_openai"
	return a
}

// NewCodexAdapter serves Anthropic or OpenAI Chat clients from an OpenAI
// Responses upstream such as the Codex backend.
func NewCodexAdapter(client Format, opts Options) (*TranslatingAdapter, error) {
	a, err := NewTranslatingAdapter(client, FormatOpenAIResponses, opts)
	if err != nil {
		return nil, err
	}
	a.name = "codex_" + string(client)
	return a, nil
}

// ClientModel returns the model alias recorded by AdaptRequest.
func (a *TranslatingAdapter) ClientModel() string {
	return a.clientModel
}

// AdaptRequest translates a client request into the upstream format.
func (a *TranslatingAdapter) AdaptRequest(body []byte) ([]byte, error) {
	req, err := a.client.decodeRequest(body)
	if err != nil {
		log.Warn().Err(err).Str("adapter", a.name).Msg("failed to parse client request, forwarding unchanged")
		return body, err
	}

	a.clientModel = req.Model
	req.Model = a.opts.ResolveModel(req.Model)
	req.System = a.opts.Instructions.Apply(req.System, req.Model)
	if req.MaxTokens <= 0 {
		req.MaxTokens = a.opts.DefaultMaxTokens
	}

	out, err := a.upstream.encodeRequest(req)
	if err != nil {
		log.Warn().Err(err).Str("adapter", a.name).Msg("failed to encode upstream request, forwarding unchanged")
		return body, err
	}
	return out, nil
}

func (a *TranslatingAdapter) echoModel(resp *Response) {
	if a.clientModel != "" {
		resp.Model = a.clientModel
	}
}

// AdaptResponse translates a buffered upstream response.
func (a *TranslatingAdapter) AdaptResponse(body []byte) ([]byte, error) {
	resp, err := a.upstream.decodeResponse(body)
	if err != nil {
		log.Warn().Err(err).Str("adapter", a.name).Msg("failed to parse upstream response")
		return body, err
	}
	a.echoModel(resp)
	return a.client.encodeResponse(resp)
}

// ReplayAsStream renders a buffered upstream response as client SSE frames.
func (a *TranslatingAdapter) ReplayAsStream(body []byte) ([]sse.Frame, error) {
	resp, err := a.upstream.decodeResponse(body)
	if err != nil {
		return nil, err
	}
	a.echoModel(resp)
	return encodeAll(a.client.newStreamEncoder(resp.Model), replayEvents(resp)), nil
}

// AdaptStream translates an upstream SSE stream frame by frame.
func (a *TranslatingAdapter) AdaptStream(frames iter.Seq2[sse.Frame, error]) iter.Seq2[sse.Frame, error] {
	return translateStream(a.name, frames, a.upstream.newStreamDecoder(), a.client.newStreamEncoder(a.clientModel))
}

// CollectStream drains an upstream stream into a buffered client response.
func (a *TranslatingAdapter) CollectStream(frames iter.Seq2[sse.Frame, error]) ([]byte, error) {
	resp, err := collectStream(a.name, frames, a.upstream.newStreamDecoder())
	if err != nil {
		return nil, err
	}
	a.echoModel(resp)
	return a.client.encodeResponse(resp)
}
