package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// =============================================================================
// DECODER (upstream Anthropic SSE → events)
// =============================================================================

type anthropicStreamDecoder struct {
	ignored      map[int]bool
	stopReason   string
	stopSequence string
	usage        Usage
}

func (anthropicCodec) newStreamDecoder() streamDecoder {
	return &anthropicStreamDecoder{ignored: make(map[int]bool)}
}

func frameType(frame sse.Frame) (gjson.Result, string, error) {
	if !gjson.ValidBytes(frame.Data) {
		return gjson.Result{}, "", fmt.Errorf("invalid JSON in %q frame", frame.Event)
	}
	data := gjson.ParseBytes(frame.Data)
	typ := data.Get("type").String()
	if typ == "" {
		typ = frame.Event
	}
	return data, typ, nil
}

func (d *anthropicStreamDecoder) decode(frame sse.Frame) ([]StreamEvent, error) {
	data, typ, err := frameType(frame)
	if err != nil {
		return nil, parseError("decode anthropic frame", err)
	}

	switch typ {
	case "message_start":
		msg := data.Get("message")
		d.usage = d.usage.merge(anthropicGJSONUsage(msg.Get("usage")))
		return []StreamEvent{{
			Type:      EventStart,
			MessageID: msg.Get("id").String(),
			Model:     msg.Get("model").String(),
			Usage:     d.usage,
		}}, nil

	case "content_block_start":
		idx := int(data.Get("index").Int())
		block := data.Get("content_block")
		switch block.Get("type").String() {
		case "text":
			events := []StreamEvent{{Type: EventBlockStart, Index: idx, BlockType: BlockText}}
			if text := block.Get("text").String(); text != "" {
				events = append(events, StreamEvent{Type: EventTextDelta, Index: idx, DeltaText: text})
			}
			return events, nil
		case "tool_use":
			return []StreamEvent{{
				Type:      EventBlockStart,
				Index:     idx,
				BlockType: BlockToolUse,
				ToolID:    block.Get("id").String(),
				ToolName:  block.Get("name").String(),
			}}, nil
		default:
			// thinking, server tools and the like have no counterpart downstream
			d.ignored[idx] = true
			return nil, nil
		}

	case "content_block_delta":
		idx := int(data.Get("index").Int())
		if d.ignored[idx] {
			return nil, nil
		}
		delta := data.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []StreamEvent{{Type: EventTextDelta, Index: idx, DeltaText: delta.Get("text").String()}}, nil
		case "input_json_delta":
			return []StreamEvent{{Type: EventToolDelta, Index: idx, DeltaText: delta.Get("partial_json").String()}}, nil
		}
		return nil, nil

	case "content_block_stop":
		idx := int(data.Get("index").Int())
		if d.ignored[idx] {
			return nil, nil
		}
		return []StreamEvent{{Type: EventBlockStop, Index: idx}}, nil

	case "message_delta":
		delta := data.Get("delta")
		if r := delta.Get("stop_reason").String(); r != "" {
			d.stopReason = r
		}
		d.stopSequence = delta.Get("stop_sequence").String()
		d.usage = d.usage.merge(anthropicGJSONUsage(data.Get("usage")))
		return []StreamEvent{{Type: EventUsage, Usage: d.usage}}, nil

	case "message_stop":
		reason := d.stopReason
		if reason == "" {
			reason = StopEndTurn
		}
		return []StreamEvent{{Type: EventFinish, FinishReason: reason, StopSequence: d.stopSequence, Usage: d.usage}}, nil

	case "error":
		return []StreamEvent{{Type: EventError, Err: data.Get("error.message").String()}}, nil
	}
	return nil, nil
}

func anthropicGJSONUsage(u gjson.Result) Usage {
	return Usage{
		InputTokens:         int(u.Get("input_tokens").Int()),
		OutputTokens:        int(u.Get("output_tokens").Int()),
		CacheReadTokens:     int(u.Get("cache_read_input_tokens").Int()),
		CacheCreationTokens: int(u.Get("cache_creation_input_tokens").Int()),
	}
}

// =============================================================================
// ENCODER (events → client Anthropic SSE)
// =============================================================================

type anthropicStreamEncoder struct {
	model     string
	started   bool
	finished  bool
	nextIndex int
	open      map[int]int // upstream index → client index
	order     []int
	usage     Usage
}

func (anthropicCodec) newStreamEncoder(model string) streamEncoder {
	return &anthropicStreamEncoder{model: model, open: make(map[int]int)}
}

func anthropicFrame(event string, payload any) sse.Frame {
	data, _ := json.Marshal(payload)
	return sse.Event(event, data)
}

func (e *anthropicStreamEncoder) start(ev StreamEvent) sse.Frame {
	e.started = true
	id := ev.MessageID
	if !strings.HasPrefix(id, "msg_") {
		id = newID("msg_")
	}
	model := e.model
	if model == "" {
		model = ev.Model
	}
	e.usage = e.usage.merge(ev.Usage)
	return anthropicFrame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         anthropicUsageFrom(Usage{InputTokens: e.usage.InputTokens, CacheReadTokens: e.usage.CacheReadTokens, CacheCreationTokens: e.usage.CacheCreationTokens}),
		},
	})
}

func (e *anthropicStreamEncoder) openBlock(ev StreamEvent, typ BlockType) sse.Frame {
	idx := e.nextIndex
	e.nextIndex++
	e.open[ev.Index] = idx
	e.order = append(e.order, ev.Index)

	block := map[string]any{"type": "text", "text": ""}
	if typ == BlockToolUse {
		id := ev.ToolID
		if id == "" {
			id = newID("toolu_")
		}
		block = map[string]any{"type": "tool_use", "id": id, "name": ev.ToolName, "input": map[string]any{}}
	}
	return anthropicFrame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": block,
	})
}

func (e *anthropicStreamEncoder) closeBlock(upstreamIdx int) sse.Frame {
	idx := e.open[upstreamIdx]
	delete(e.open, upstreamIdx)
	for i, u := range e.order {
		if u == upstreamIdx {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return anthropicFrame("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})
}

func (e *anthropicStreamEncoder) encode(ev StreamEvent) []sse.Frame {
	if e.finished {
		return nil
	}
	if ev.Type == EventError {
		e.finished = true
		return []sse.Frame{anthropicErrorFrame(ev.Err)}
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
		if _, ok := e.open[ev.Index]; !ok {
			frames = append(frames, e.openBlock(ev, ev.BlockType))
		}

	case EventTextDelta:
		if _, ok := e.open[ev.Index]; !ok {
			frames = append(frames, e.openBlock(ev, BlockText))
		}
		frames = append(frames, anthropicFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.open[ev.Index],
			"delta": map[string]any{"type": "text_delta", "text": ev.DeltaText},
		}))

	case EventToolDelta:
		if _, ok := e.open[ev.Index]; !ok {
			frames = append(frames, e.openBlock(ev, BlockToolUse))
		}
		frames = append(frames, anthropicFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.open[ev.Index],
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.DeltaText},
		}))

	case EventBlockStop:
		if _, ok := e.open[ev.Index]; ok {
			frames = append(frames, e.closeBlock(ev.Index))
		}

	case EventUsage:
		e.usage = e.usage.merge(ev.Usage)

	case EventFinish:
		for len(e.order) > 0 {
			frames = append(frames, e.closeBlock(e.order[0]))
		}
		e.usage = e.usage.merge(ev.Usage)
		var stopSeq any
		if ev.StopSequence != "" {
			stopSeq = ev.StopSequence
		}
		frames = append(frames,
			anthropicFrame("message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": ev.FinishReason, "stop_sequence": stopSeq},
				"usage": anthropicUsageFrom(e.usage),
			}),
			anthropicFrame("message_stop", map[string]any{"type": "message_stop"}),
		)
		e.finished = true
	}
	return frames
}
