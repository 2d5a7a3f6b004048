package adapters

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// responsesCodec handles the OpenAI Responses wire format used by the Codex
// backend. Only the upstream side is implemented: clients never speak it
// through a translating adapter.
type responsesCodec struct{}

// =============================================================================
// WIRE TYPES
// =============================================================================

type responsesRequest struct {
	Model           string           `json:"model"`
	Instructions    string           `json:"instructions,omitempty"`
	Input           []map[string]any `json:"input"`
	Tools           []responsesTool  `json:"tools,omitempty"`
	ToolChoice      any              `json:"tool_choice,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	User            string           `json:"user,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// =============================================================================
// REQUEST
// =============================================================================

func (responsesCodec) encodeRequest(req *Request) ([]byte, error) {
	out := responsesRequest{
		Model:           req.Model,
		Input:           []map[string]any{},
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
		User:            req.User,
	}

	// First system entry becomes instructions; the rest stay in order as
	// developer messages.
	for i, s := range req.System {
		if i == 0 {
			out.Instructions = s.Text
			continue
		}
		out.Input = append(out.Input, responsesMessage("developer", []map[string]any{
			{"type": "input_text", "text": s.Text},
		}))
	}

	for _, m := range req.Messages {
		out.Input = append(out.Input, encodeResponsesItems(m)...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaOrEmpty(t.Schema),
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Type {
		case "any":
			out.ToolChoice = "required"
		case "none":
			out.ToolChoice = "none"
		case "tool":
			out.ToolChoice = map[string]string{"type": "function", "name": tc.Name}
		default:
			out.ToolChoice = "auto"
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode responses request: %w", err)
	}
	return body, nil
}

func responsesMessage(role string, content []map[string]any) map[string]any {
	return map[string]any{"type": "message", "role": role, "content": content}
}

// encodeResponsesItems flattens one message into input items. Consecutive
// text and image blocks share a message item; tool blocks become their own
// items in place.
func encodeResponsesItems(m Message) []map[string]any {
	textType := "input_text"
	if m.Role == "assistant" {
		textType = "output_text"
	}

	var items []map[string]any
	var pending []map[string]any
	flush := func() {
		if len(pending) > 0 {
			items = append(items, responsesMessage(m.Role, pending))
			pending = nil
		}
	}

	for _, b := range m.Content {
		switch b.Type {
		case BlockText:
			pending = append(pending, map[string]any{"type": textType, "text": b.Text})
		case BlockImage:
			pending = append(pending, map[string]any{"type": "input_image", "image_url": imageURL(b)})
		case BlockToolUse:
			flush()
			items = append(items, map[string]any{
				"type":      "function_call",
				"call_id":   b.ID,
				"name":      b.Name,
				"arguments": string(rawObject(b.Input)),
			})
		case BlockToolResult:
			flush()
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": b.ToolUseID,
				"output":  b.Text,
			})
		}
	}
	flush()
	return items
}

// =============================================================================
// RESPONSE
// =============================================================================

func (responsesCodec) decodeResponse(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, parseError("decode responses response", errInvalidJSON)
	}
	root := gjson.ParseBytes(body)
	// stream-collected bodies arrive wrapped in the completion event
	if r := root.Get("response"); r.IsObject() {
		root = r
	}
	if obj := root.Get("object").String(); obj != "" && obj != "response" {
		return nil, parseError("decode responses response", fmt.Errorf("unexpected object %q", obj))
	}

	resp := &Response{
		ID:    root.Get("id").String(),
		Model: root.Get("model").String(),
		Usage: responsesUsage(root.Get("usage")),
	}
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case "output_text":
					resp.Content = append(resp.Content, Block{Type: BlockText, Text: part.Get("text").String()})
				case "refusal":
					resp.Content = append(resp.Content, Block{Type: BlockText, Text: part.Get("refusal").String()})
				}
				return true
			})
		case "function_call":
			resp.Content = append(resp.Content, Block{
				Type:  BlockToolUse,
				ID:    item.Get("call_id").String(),
				Name:  item.Get("name").String(),
				Input: rawObject([]byte(item.Get("arguments").String())),
			})
		}
		return true
	})
	resp.StopReason = responsesStopReason(root, resp.hasToolUse())
	return resp, nil
}

func responsesStopReason(resp gjson.Result, sawTool bool) string {
	if resp.Get("status").String() == "incomplete" {
		if resp.Get("incomplete_details.reason").String() == "max_output_tokens" {
			return StopMaxTokens
		}
		return StopEndTurn
	}
	if sawTool {
		return StopToolUse
	}
	return StopEndTurn
}

func responsesUsage(u gjson.Result) Usage {
	cached := int(u.Get("input_tokens_details.cached_tokens").Int())
	return Usage{
		InputTokens:     max(int(u.Get("input_tokens").Int())-cached, 0),
		OutputTokens:    int(u.Get("output_tokens").Int()),
		CacheReadTokens: cached,
		ReasoningTokens: int(u.Get("output_tokens_details.reasoning_tokens").Int()),
	}
}

// =============================================================================
// STREAM DECODER (upstream Responses SSE → events)
// =============================================================================

type responsesStreamDecoder struct {
	next    int
	keys    map[string]int
	open    map[int]bool
	order   []int
	hasArgs map[int]bool
	sawTool bool
	done    bool
}

func (responsesCodec) newStreamDecoder() streamDecoder {
	return &responsesStreamDecoder{
		keys:    make(map[string]int),
		open:    make(map[int]bool),
		hasArgs: make(map[int]bool),
	}
}

// index assigns a stable block index to an output item or content part.
func (d *responsesStreamDecoder) index(data gjson.Result, part bool) int {
	key := strconv.FormatInt(data.Get("output_index").Int(), 10)
	if part {
		key += ":" + strconv.FormatInt(data.Get("content_index").Int(), 10)
	}
	if idx, ok := d.keys[key]; ok {
		return idx
	}
	idx := d.next
	d.next++
	d.keys[key] = idx
	return idx
}

func (d *responsesStreamDecoder) openBlock(ev StreamEvent) []StreamEvent {
	if d.open[ev.Index] {
		return nil
	}
	d.open[ev.Index] = true
	d.order = append(d.order, ev.Index)
	ev.Type = EventBlockStart
	return []StreamEvent{ev}
}

func (d *responsesStreamDecoder) closeBlock(idx int) []StreamEvent {
	if !d.open[idx] {
		return nil
	}
	d.open[idx] = false
	return []StreamEvent{{Type: EventBlockStop, Index: idx}}
}

func (d *responsesStreamDecoder) closeAll() []StreamEvent {
	var events []StreamEvent
	for _, idx := range d.order {
		events = append(events, d.closeBlock(idx)...)
	}
	return events
}

func (d *responsesStreamDecoder) decode(frame sse.Frame) ([]StreamEvent, error) {
	data, typ, err := frameType(frame)
	if err != nil {
		return nil, parseError("decode responses frame", err)
	}
	if d.done {
		return nil, nil
	}

	switch typ {
	case "response.created":
		r := data.Get("response")
		return []StreamEvent{{Type: EventStart, MessageID: r.Get("id").String(), Model: r.Get("model").String()}}, nil

	case "response.output_item.added":
		item := data.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		d.sawTool = true
		return d.openBlock(StreamEvent{
			Index:     d.index(data, false),
			BlockType: BlockToolUse,
			ToolID:    item.Get("call_id").String(),
			ToolName:  item.Get("name").String(),
		}), nil

	case "response.content_part.added":
		if data.Get("part.type").String() != "output_text" {
			return nil, nil
		}
		return d.openBlock(StreamEvent{Index: d.index(data, true), BlockType: BlockText}), nil

	case "response.output_text.delta":
		idx := d.index(data, true)
		events := d.openBlock(StreamEvent{Index: idx, BlockType: BlockText})
		return append(events, StreamEvent{Type: EventTextDelta, Index: idx, DeltaText: data.Get("delta").String()}), nil

	case "response.content_part.done":
		return d.closeBlock(d.index(data, true)), nil

	case "response.function_call_arguments.delta":
		idx := d.index(data, false)
		d.hasArgs[idx] = true
		return []StreamEvent{{Type: EventToolDelta, Index: idx, DeltaText: data.Get("delta").String()}}, nil

	case "response.output_item.done":
		item := data.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		d.sawTool = true
		idx := d.index(data, false)
		events := d.openBlock(StreamEvent{
			Index:     idx,
			BlockType: BlockToolUse,
			ToolID:    item.Get("call_id").String(),
			ToolName:  item.Get("name").String(),
		})
		if !d.hasArgs[idx] {
			if args := item.Get("arguments").String(); args != "" {
				events = append(events, StreamEvent{Type: EventToolDelta, Index: idx, DeltaText: args})
			}
		}
		return append(events, d.closeBlock(idx)...), nil

	case "response.completed", "response.incomplete":
		d.done = true
		r := data.Get("response")
		events := d.closeAll()
		return append(events, StreamEvent{
			Type:         EventFinish,
			FinishReason: responsesStopReason(r, d.sawTool),
			Usage:        responsesUsage(r.Get("usage")),
		}), nil

	case "response.failed":
		d.done = true
		msg := data.Get("response.error.message").String()
		if msg == "" {
			msg = "upstream response failed"
		}
		return []StreamEvent{{Type: EventError, Err: msg}}, nil

	case "error":
		d.done = true
		msg := data.Get("message").String()
		if msg == "" {
			msg = data.Get("error.message").String()
		}
		return []StreamEvent{{Type: EventError, Err: msg}}, nil
	}
	return nil, nil
}

func responsesErrorFrame(message string) sse.Frame {
	data, _ := json.Marshal(map[string]any{
		"type":    "error",
		"code":    "server_error",
		"message": message,
		"param":   nil,
	})
	return sse.Event("error", data)
}
