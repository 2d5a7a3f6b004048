package adapters

import (
	"iter"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// PassthroughAdapter forwards a wire format unchanged except for model
// aliasing and instruction injection. Bodies are edited in place with
// gjson/sjson so unknown fields survive.
type PassthroughAdapter struct {
	BaseAdapter
	format Format
	opts   Options

	clientModel   string
	upstreamModel string
}

var _ FormatAdapter = (*PassthroughAdapter)(nil)

// NewPassthroughAdapter creates a same-format adapter.
func NewPassthroughAdapter(format Format, opts Options) *PassthroughAdapter {
	return &PassthroughAdapter{
		BaseAdapter: BaseAdapter{
			name:   "passthrough_" + string(format),
			client: format,
		},
		format: format,
		opts:   opts,
	}
}

// ClientModel returns the model alias recorded by AdaptRequest.
func (a *PassthroughAdapter) ClientModel() string {
	return a.clientModel
}

// =============================================================================
// REQUEST
// =============================================================================

// AdaptRequest rewrites the model and injects instructions.
func (a *PassthroughAdapter) AdaptRequest(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		err := parseError("decode passthrough request", errInvalidJSON)
		log.Warn().Err(err).Str("adapter", a.name).Msg("failed to parse client request, forwarding unchanged")
		return body, err
	}

	a.clientModel = gjson.GetBytes(body, "model").String()
	a.upstreamModel = a.opts.ResolveModel(a.clientModel)

	out := body
	var err error
	if a.upstreamModel != a.clientModel {
		if out, err = sjson.SetBytes(out, "model", a.upstreamModel); err != nil {
			return body, err
		}
	}

	switch a.format {
	case FormatAnthropic:
		out, err = a.injectAnthropic(out)
	case FormatOpenAIChat:
		out, err = a.injectChat(out)
	case FormatOpenAIResponses:
		out, err = a.injectResponses(out)
	}
	if err != nil {
		log.Warn().Err(err).Str("adapter", a.name).Msg("failed to inject instructions, forwarding unchanged")
		return body, err
	}
	return out, nil
}

func textBlock(text string) map[string]string {
	return map[string]string{"type": "text", "text": text}
}

func (a *PassthroughAdapter) injectAnthropic(body []byte) ([]byte, error) {
	inj := a.opts.Instructions
	system := gjson.GetBytes(body, "system")

	var err error
	if system.Type == gjson.String {
		if system.String() == "" {
			if body, err = sjson.DeleteBytes(body, "system"); err != nil {
				return nil, err
			}
		} else if body, err = sjson.SetBytes(body, "system", []any{textBlock(system.String())}); err != nil {
			return nil, err
		}
		system = gjson.GetBytes(body, "system")
	}

	if !inj.Active() {
		return body, nil
	}
	rendered := inj.Render(a.upstreamModel)
	if !system.IsArray() || len(system.Array()) == 0 {
		return sjson.SetBytes(body, "system", []any{textBlock(rendered)})
	}
	if inj.Mode == InjectionOverride {
		return sjson.SetBytes(body, "system.0", textBlock(rendered))
	}
	return sjson.SetBytes(body, "system.0.text", inj.ApplyText(system.Get("0.text").String(), a.upstreamModel))
}

func (a *PassthroughAdapter) injectChat(body []byte) ([]byte, error) {
	inj := a.opts.Instructions
	if !inj.Active() {
		return body, nil
	}
	rendered := inj.Render(a.upstreamModel)

	first := -1
	messages := gjson.GetBytes(body, "messages").Array()
	for i, m := range messages {
		if role := m.Get("role").String(); role == "system" || role == "developer" {
			first = i
			break
		}
	}

	if first < 0 {
		items := make([]any, 0, len(messages)+1)
		items = append(items, map[string]string{"role": "system", "content": rendered})
		for _, m := range messages {
			items = append(items, sjsonRaw(m.Raw))
		}
		return sjson.SetBytes(body, "messages", items)
	}

	path := "messages." + itoa(first) + ".content"
	content := gjson.GetBytes(body, path)
	if content.IsArray() {
		if inj.Mode == InjectionOverride {
			return sjson.SetBytes(body, path, []any{textBlock(rendered)})
		}
		return sjson.SetBytes(body, path+".0.text", inj.ApplyText(content.Get("0.text").String(), a.upstreamModel))
	}
	return sjson.SetBytes(body, path, inj.ApplyText(content.String(), a.upstreamModel))
}

func (a *PassthroughAdapter) injectResponses(body []byte) ([]byte, error) {
	inj := a.opts.Instructions
	if !inj.Active() {
		return body, nil
	}
	current := gjson.GetBytes(body, "instructions").String()
	return sjson.SetBytes(body, "instructions", inj.ApplyText(current, a.upstreamModel))
}

// =============================================================================
// RESPONSE
// =============================================================================

// AdaptResponse restores the client's model alias.
func (a *PassthroughAdapter) AdaptResponse(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return body, parseError("decode passthrough response", errInvalidJSON)
	}
	return a.echoModel(body, "model"), nil
}

func (a *PassthroughAdapter) echoModel(body []byte, path string) []byte {
	if a.clientModel == "" || a.clientModel == a.upstreamModel {
		return body
	}
	if !gjson.GetBytes(body, path).Exists() {
		return body
	}
	out, err := sjson.SetBytes(body, path, a.clientModel)
	if err != nil {
		return body
	}
	return out
}

func (a *PassthroughAdapter) modelPath() string {
	switch a.format {
	case FormatAnthropic:
		return "message.model"
	case FormatOpenAIResponses:
		return "response.model"
	default:
		return "model"
	}
}

// AdaptStream forwards frames, restoring the model alias where it appears.
func (a *PassthroughAdapter) AdaptStream(frames iter.Seq2[sse.Frame, error]) iter.Seq2[sse.Frame, error] {
	return func(yield func(sse.Frame, error) bool) {
		first := true
		path := a.modelPath()
		for frame, err := range frames {
			if err != nil {
				yield(sse.Frame{}, err)
				return
			}
			if frame.IsDone() {
				if !yield(frame, nil) {
					return
				}
				continue
			}
			if !gjson.ValidBytes(frame.Data) {
				if first {
					log.Warn().Str("adapter", a.name).Msg("malformed first upstream frame, aborting stream")
					yield(ErrorFrame(a.format, malformedStreamMessage), nil)
					return
				}
				log.Warn().Str("adapter", a.name).Str("event", frame.Event).Msg("skipping malformed upstream frame")
				continue
			}
			first = false
			frame.Data = a.echoModel(frame.Data, path)
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// CollectStream drains the stream into one buffered response.
func (a *PassthroughAdapter) CollectStream(frames iter.Seq2[sse.Frame, error]) ([]byte, error) {
	if a.format == FormatOpenAIResponses {
		return a.collectResponses(frames)
	}
	up, _ := upstreamCodecFor(a.format)
	cc, _ := clientCodecFor(a.format)
	resp, err := collectStream(a.name, frames, up.newStreamDecoder())
	if err != nil {
		return nil, err
	}
	if a.clientModel != "" {
		resp.Model = a.clientModel
	}
	return cc.encodeResponse(resp)
}

// collectResponses returns the response object carried by the terminal event.
func (a *PassthroughAdapter) collectResponses(frames iter.Seq2[sse.Frame, error]) ([]byte, error) {
	for frame, err := range frames {
		if err != nil {
			return nil, err
		}
		if !gjson.ValidBytes(frame.Data) {
			continue
		}
		data := gjson.ParseBytes(frame.Data)
		typ := data.Get("type").String()
		if typ == "" {
			typ = frame.Event
		}
		switch typ {
		case "response.completed", "response.incomplete":
			return a.echoModel([]byte(data.Get("response").Raw), "model"), nil
		case "response.failed":
			return nil, &StreamError{Message: data.Get("response.error.message").String()}
		case "error":
			return nil, &StreamError{Message: data.Get("message").String()}
		}
	}
	return nil, ErrStreamIncomplete
}

// ReplayAsStream renders a buffered response as SSE frames.
func (a *PassthroughAdapter) ReplayAsStream(body []byte) ([]sse.Frame, error) {
	if !gjson.ValidBytes(body) {
		return nil, parseError("decode passthrough response", errInvalidJSON)
	}
	if a.format == FormatOpenAIResponses {
		return a.replayResponses(a.echoModel(body, "model"))
	}

	up, _ := upstreamCodecFor(a.format)
	cc, _ := clientCodecFor(a.format)
	resp, err := up.decodeResponse(body)
	if err != nil {
		return nil, err
	}
	if a.clientModel != "" {
		resp.Model = a.clientModel
	}
	return encodeAll(cc.newStreamEncoder(resp.Model), replayEvents(resp)), nil
}

func (a *PassthroughAdapter) replayResponses(body []byte) ([]sse.Frame, error) {
	pending, err := sjson.SetBytes(body, "status", "in_progress")
	if err != nil {
		return nil, err
	}
	if pending, err = sjson.SetRawBytes(pending, "output", []byte("[]")); err != nil {
		return nil, err
	}

	created, err := sjson.SetRawBytes([]byte(`{"type":"response.created","sequence_number":0}`), "response", pending)
	if err != nil {
		return nil, err
	}
	done, err := sjson.SetRawBytes([]byte(`{"type":"response.completed","sequence_number":1}`), "response", body)
	if err != nil {
		return nil, err
	}
	return []sse.Frame{
		sse.Event("response.created", created),
		sse.Event("response.completed", done),
	}, nil
}
