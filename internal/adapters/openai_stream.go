package adapters

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// =============================================================================
// DECODER (upstream chat.completion.chunk SSE → events)
// =============================================================================

const chatTextIndex = -1

type chatStreamDecoder struct {
	started   bool
	finished  bool
	textOpen  bool
	tools     map[int]bool // chunk tool index → open
	toolOrder []int
	finish    string
	usage     Usage
}

func (chatCodec) newStreamDecoder() streamDecoder {
	return &chatStreamDecoder{tools: make(map[int]bool)}
}

// tool block indexes never collide with the text block.
func chatToolIndex(i int) int {
	return i + 1
}

func (d *chatStreamDecoder) closeAll() []StreamEvent {
	var events []StreamEvent
	if d.textOpen {
		events = append(events, StreamEvent{Type: EventBlockStop, Index: chatTextIndex})
		d.textOpen = false
	}
	for _, i := range d.toolOrder {
		if d.tools[i] {
			events = append(events, StreamEvent{Type: EventBlockStop, Index: chatToolIndex(i)})
			d.tools[i] = false
		}
	}
	return events
}

func (d *chatStreamDecoder) decode(frame sse.Frame) ([]StreamEvent, error) {
	if frame.IsDone() {
		if d.finished {
			return nil, nil
		}
		d.finished = true
		events := d.closeAll()
		reason := d.finish
		if reason == "" {
			reason = StopEndTurn
		}
		return append(events, StreamEvent{Type: EventFinish, FinishReason: reason, Usage: d.usage}), nil
	}

	if !gjson.ValidBytes(frame.Data) {
		return nil, parseError("decode chat chunk", errInvalidJSON)
	}
	chunk := gjson.ParseBytes(frame.Data)
	if msg := chunk.Get("error.message"); msg.Exists() {
		return []StreamEvent{{Type: EventError, Err: msg.String()}}, nil
	}

	var events []StreamEvent
	if !d.started {
		d.started = true
		events = append(events, StreamEvent{
			Type:      EventStart,
			MessageID: chunk.Get("id").String(),
			Model:     chunk.Get("model").String(),
		})
	}

	if u := chunk.Get("usage"); u.IsObject() {
		var cu chatUsage
		if err := json.Unmarshal([]byte(u.Raw), &cu); err == nil {
			d.usage = d.usage.merge(cu.canonical())
			events = append(events, StreamEvent{Type: EventUsage, Usage: d.usage})
		}
	}

	choice := chunk.Get("choices.0")
	if !choice.Exists() {
		return events, nil
	}
	delta := choice.Get("delta")

	if text := delta.Get("content").String(); text != "" {
		if !d.textOpen {
			d.textOpen = true
			events = append(events, StreamEvent{Type: EventBlockStart, Index: chatTextIndex, BlockType: BlockText})
		}
		events = append(events, StreamEvent{Type: EventTextDelta, Index: chatTextIndex, DeltaText: text})
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		i := int(tc.Get("index").Int())
		if _, seen := d.tools[i]; !seen {
			if d.textOpen {
				d.textOpen = false
				events = append(events, StreamEvent{Type: EventBlockStop, Index: chatTextIndex})
			}
			d.tools[i] = true
			d.toolOrder = append(d.toolOrder, i)
			events = append(events, StreamEvent{
				Type:      EventBlockStart,
				Index:     chatToolIndex(i),
				BlockType: BlockToolUse,
				ToolID:    tc.Get("id").String(),
				ToolName:  tc.Get("function.name").String(),
			})
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			events = append(events, StreamEvent{Type: EventToolDelta, Index: chatToolIndex(i), DeltaText: args})
		}
		return true
	})

	if fr := choice.Get("finish_reason").String(); fr != "" {
		d.finish = finishReasonToStop(fr)
	}
	return events, nil
}

// =============================================================================
// ENCODER (events → client chat.completion.chunk SSE)
// =============================================================================

type chatStreamEncoder struct {
	model    string
	id       string
	created  int64
	started  bool
	finished bool
	tools    map[int]int // event index → tool_calls index
	usage    Usage
}

func (chatCodec) newStreamEncoder(model string) streamEncoder {
	return &chatStreamEncoder{model: model, created: time.Now().Unix(), tools: make(map[int]int)}
}

func (e *chatStreamEncoder) chunk(delta map[string]any, finish *string, usage *chatUsage) sse.Frame {
	payload := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"logprobs":      nil,
			"finish_reason": finish,
		}},
	}
	if usage != nil {
		payload["usage"] = usage
	}
	data, _ := json.Marshal(payload)
	return sse.Data(data)
}

func (e *chatStreamEncoder) start(ev StreamEvent) sse.Frame {
	e.started = true
	e.id = chatID(ev.MessageID)
	if e.model == "" {
		e.model = ev.Model
	}
	return e.chunk(map[string]any{"role": "assistant", "content": ""}, nil, nil)
}

func (e *chatStreamEncoder) encode(ev StreamEvent) []sse.Frame {
	if e.finished {
		return nil
	}
	if ev.Type == EventError {
		e.finished = true
		return []sse.Frame{chatErrorFrame(ev.Err)}
	}

	var frames []sse.Frame
	if !e.started {
		frames = append(frames, e.start(ev))
		if ev.Type == EventStart {
			return frames
		}
	} else if ev.Type == EventStart {
		return nil
	}

	switch ev.Type {
	case EventBlockStart:
		if ev.BlockType == BlockToolUse {
			frames = append(frames, e.openTool(ev))
		}

	case EventTextDelta:
		frames = append(frames, e.chunk(map[string]any{"content": ev.DeltaText}, nil, nil))

	case EventToolDelta:
		if _, ok := e.tools[ev.Index]; !ok {
			frames = append(frames, e.openTool(ev))
		}
		frames = append(frames, e.chunk(map[string]any{
			"tool_calls": []any{map[string]any{
				"index":    e.tools[ev.Index],
				"function": map[string]any{"arguments": ev.DeltaText},
			}},
		}, nil, nil))

	case EventUsage:
		e.usage = e.usage.merge(ev.Usage)

	case EventFinish:
		e.usage = e.usage.merge(ev.Usage)
		finish := stopToFinishReason(ev.FinishReason)
		frames = append(frames,
			e.chunk(map[string]any{}, &finish, chatUsageFrom(e.usage)),
			sse.Data([]byte(sse.DoneMarker)),
		)
		e.finished = true
	}
	return frames
}

func (e *chatStreamEncoder) openTool(ev StreamEvent) sse.Frame {
	idx := len(e.tools)
	e.tools[ev.Index] = idx
	id := ev.ToolID
	if id == "" {
		id = newID("call_")
	}
	return e.chunk(map[string]any{
		"tool_calls": []any{map[string]any{
			"index":    idx,
			"id":       id,
			"type":     "function",
			"function": map[string]any{"name": ev.ToolName, "arguments": ""},
		}},
	}, nil, nil)
}
