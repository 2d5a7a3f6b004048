package adapters

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// StreamEventType tags a normalized stream event.
type StreamEventType string

const (
	EventStart      StreamEventType = "start"
	EventBlockStart StreamEventType = "block_start"
	EventTextDelta  StreamEventType = "text_delta"
	EventToolDelta  StreamEventType = "tool_delta"
	EventBlockStop  StreamEventType = "block_stop"
	EventUsage      StreamEventType = "usage"
	EventFinish     StreamEventType = "finish"
	EventError      StreamEventType = "error"
)

// StreamEvent is the format-neutral unit of a translated stream.
// Index identifies a content block within the upstream stream.
type StreamEvent struct {
	Type         StreamEventType
	Sequence     int
	MessageID    string
	Model        string
	Index        int
	BlockType    BlockType
	ToolID       string
	ToolName     string
	DeltaText    string
	FinishReason string
	StopSequence string
	Usage        Usage
	Err          string
}

// streamDecoder turns upstream frames into normalized events.
// Unknown frame types yield no events and no error.
type streamDecoder interface {
	decode(frame sse.Frame) ([]StreamEvent, error)
}

// streamEncoder turns normalized events into client frames.
type streamEncoder interface {
	encode(ev StreamEvent) []sse.Frame
}

// ErrStreamIncomplete is returned when an upstream stream ends before its
// terminal event.
var ErrStreamIncomplete = errors.New("upstream stream ended before completion")

// StreamError carries an error event received from the upstream stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "upstream stream error: " + e.Message
}

const malformedStreamMessage = "malformed upstream stream"

// translateStream pipes frames through dec and enc, preserving arrival order.
// Malformed frames are skipped, except the first one which aborts the stream
// with an error frame.
func translateStream(name string, frames iter.Seq2[sse.Frame, error], dec streamDecoder, enc streamEncoder) iter.Seq2[sse.Frame, error] {
	return func(yield func(sse.Frame, error) bool) {
		first := true
		seq := 0
		for frame, err := range frames {
			if err != nil {
				yield(sse.Frame{}, err)
				return
			}

			events, err := dec.decode(frame)
			if err != nil {
				if first {
					log.Warn().Err(err).Str("adapter", name).Msg("malformed first upstream frame, aborting stream")
					for _, out := range enc.encode(StreamEvent{Type: EventError, Err: malformedStreamMessage}) {
						if !yield(out, nil) {
							return
						}
					}
					return
				}
				log.Warn().Err(err).Str("adapter", name).Msg("skipping malformed upstream frame")
				continue
			}
			first = false

			for _, ev := range events {
				ev.Sequence = seq
				seq++
				for _, out := range enc.encode(ev) {
					if !yield(out, nil) {
						return
					}
				}
			}
		}
	}
}

// collectStream drains frames into a buffered Response.
func collectStream(name string, frames iter.Seq2[sse.Frame, error], dec streamDecoder) (*Response, error) {
	c := newCollector()
	for frame, err := range frames {
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream stream: %w", err)
		}
		events, err := dec.decode(frame)
		if err != nil {
			log.Warn().Err(err).Str("adapter", name).Msg("skipping malformed upstream frame")
			continue
		}
		for _, ev := range events {
			if err := c.add(ev); err != nil {
				return nil, err
			}
			if c.done {
				return c.response(), nil
			}
		}
	}
	return nil, ErrStreamIncomplete
}

type collector struct {
	resp    Response
	blocks  map[int]int
	args    map[int]*strings.Builder
	done    bool
	started bool
}

func newCollector() *collector {
	return &collector{
		blocks: make(map[int]int),
		args:   make(map[int]*strings.Builder),
	}
}

func (c *collector) block(ev StreamEvent, typ BlockType) int {
	if pos, ok := c.blocks[ev.Index]; ok {
		return pos
	}
	c.resp.Content = append(c.resp.Content, Block{Type: typ, ID: ev.ToolID, Name: ev.ToolName})
	pos := len(c.resp.Content) - 1
	c.blocks[ev.Index] = pos
	if typ == BlockToolUse {
		c.args[pos] = &strings.Builder{}
	}
	return pos
}

func (c *collector) add(ev StreamEvent) error {
	switch ev.Type {
	case EventStart:
		c.started = true
		c.resp.ID = ev.MessageID
		c.resp.Model = ev.Model
		c.resp.Usage = c.resp.Usage.merge(ev.Usage)
	case EventBlockStart:
		typ := ev.BlockType
		if typ == "" {
			typ = BlockText
		}
		c.block(ev, typ)
	case EventTextDelta:
		pos := c.block(ev, BlockText)
		c.resp.Content[pos].Text += ev.DeltaText
	case EventToolDelta:
		pos := c.block(ev, BlockToolUse)
		c.args[pos].WriteString(ev.DeltaText)
	case EventUsage:
		c.resp.Usage = c.resp.Usage.merge(ev.Usage)
	case EventFinish:
		c.resp.StopReason = ev.FinishReason
		c.resp.StopSequence = ev.StopSequence
		c.resp.Usage = c.resp.Usage.merge(ev.Usage)
		c.done = true
	case EventError:
		return &StreamError{Message: ev.Err}
	}
	return nil
}

func (c *collector) response() *Response {
	for pos, b := range c.args {
		c.resp.Content[pos].Input = rawObject([]byte(b.String()))
	}
	if c.resp.StopReason == "" {
		c.resp.StopReason = StopEndTurn
	}
	return &c.resp
}

// replayEvents renders a buffered response as the normalized event sequence
// a streaming upstream would have produced.
func replayEvents(resp *Response) []StreamEvent {
	events := make([]StreamEvent, 0, 2+3*len(resp.Content))
	events = append(events, StreamEvent{
		Type:      EventStart,
		MessageID: resp.ID,
		Model:     resp.Model,
		Usage:     Usage{InputTokens: resp.Usage.InputTokens, CacheReadTokens: resp.Usage.CacheReadTokens, CacheCreationTokens: resp.Usage.CacheCreationTokens},
	})
	for i, blk := range resp.Content {
		switch blk.Type {
		case BlockText:
			events = append(events,
				StreamEvent{Type: EventBlockStart, Index: i, BlockType: BlockText},
				StreamEvent{Type: EventTextDelta, Index: i, DeltaText: blk.Text},
			)
		case BlockToolUse:
			events = append(events,
				StreamEvent{Type: EventBlockStart, Index: i, BlockType: BlockToolUse, ToolID: blk.ID, ToolName: blk.Name},
				StreamEvent{Type: EventToolDelta, Index: i, DeltaText: string(rawObject(blk.Input))},
			)
		default:
			continue
		}
		events = append(events, StreamEvent{Type: EventBlockStop, Index: i})
	}
	stop := resp.StopReason
	if stop == "" {
		stop = StopEndTurn
	}
	events = append(events, StreamEvent{Type: EventFinish, FinishReason: stop, StopSequence: resp.StopSequence, Usage: resp.Usage})
	for i := range events {
		events[i].Sequence = i
	}
	return events
}

func encodeAll(enc streamEncoder, events []StreamEvent) []sse.Frame {
	var frames []sse.Frame
	for _, ev := range events {
		frames = append(frames, enc.encode(ev)...)
	}
	return frames
}

var errInvalidJSON = errors.New("invalid JSON payload")
