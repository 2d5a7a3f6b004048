// Streaming bridge - upstream SSE in, client SSE out.
//
// DESIGN: One frame at a time. Each translated frame is written and flushed
// before the next upstream frame is read, so a slow client slows the
// upstream read instead of growing a buffer. A failed client write stops the
// loop; closing the upstream body (and the request context the caller
// cancels) releases the upstream connection.
//
// The bridge never fabricates a terminal event: a stream cut short by the
// upstream simply ends, and the result reports it as not clean.
package gateway

import (
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// StreamResult summarizes one bridged stream.
type StreamResult struct {
	Frames       int   // frames written to the client
	Clean        bool  // a terminal frame was written and nothing failed
	ClientGone   bool  // a client write failed
	Err          error // upstream read or translation error, if any
	InputTokens  int
	OutputTokens int
}

// StreamBridge copies translated frames to the client.
type StreamBridge struct{}

// Stream writes the SSE response headers and bridges body through adapter.
// body is always closed.
func (StreamBridge) Stream(w http.ResponseWriter, body io.ReadCloser, adapter adapters.StreamAdapter) StreamResult {
	defer body.Close()

	var res StreamResult
	sw, err := sse.NewWriter(w)
	if err != nil {
		res.Err = err
		return res
	}
	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	terminal, failed := false, false
	for frame, err := range adapter.AdaptStream(sse.Frames(body)) {
		if err != nil {
			res.Err = err
			break
		}
		if werr := sw.WriteFrame(frame); werr != nil {
			res.ClientGone = true
			res.Err = werr
			break
		}
		res.Frames++
		res.observe(frame)
		switch frameKind(frame) {
		case frameTerminal:
			terminal = true
		case frameError:
			failed = true
		}
	}
	res.Clean = terminal && !failed && res.Err == nil
	return res
}

// WriteFrames writes a complete, already translated frame sequence.
func (StreamBridge) WriteFrames(w http.ResponseWriter, frames []sse.Frame) StreamResult {
	var res StreamResult
	sw, err := sse.NewWriter(w)
	if err != nil {
		res.Err = err
		return res
	}
	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	for _, frame := range frames {
		if err := sw.WriteFrame(frame); err != nil {
			res.ClientGone = true
			res.Err = err
			return res
		}
		res.Frames++
		res.observe(frame)
	}
	res.Clean = true
	return res
}

type frameClass int

const (
	frameData frameClass = iota
	frameTerminal
	frameError
)

// frameKind recognizes terminal and error frames of all three client formats.
func frameKind(f sse.Frame) frameClass {
	if f.IsDone() {
		return frameTerminal
	}
	name := f.Event
	if name == "" {
		if gjson.GetBytes(f.Data, "error").Exists() {
			return frameError
		}
		name = gjson.GetBytes(f.Data, "type").String()
	}
	switch name {
	case "message_stop", "response.completed", "response.incomplete":
		return frameTerminal
	case "error", "response.failed":
		return frameError
	}
	return frameData
}

// observe picks token usage out of client frames.
func (r *StreamResult) observe(f sse.Frame) {
	if len(f.Data) == 0 || f.IsDone() {
		return
	}
	usage := gjson.GetBytes(f.Data, "usage")
	if !usage.Exists() {
		// anthropic message_start and responses lifecycle events nest usage
		usage = gjson.GetBytes(f.Data, "message.usage")
		if !usage.Exists() {
			usage = gjson.GetBytes(f.Data, "response.usage")
		}
	}
	if !usage.Exists() || usage.Type == gjson.Null {
		return
	}
	if in := firstInt(usage, "input_tokens", "prompt_tokens"); in > 0 {
		r.InputTokens = in
	}
	if out := firstInt(usage, "output_tokens", "completion_tokens"); out > 0 {
		r.OutputTokens = out
	}
}

func firstInt(v gjson.Result, paths ...string) int {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return int(r.Int())
		}
	}
	return 0
}

// bodyUsage reads token usage from a buffered client response.
func bodyUsage(body []byte) (int, int) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return 0, 0
	}
	return firstInt(usage, "input_tokens", "prompt_tokens"), firstInt(usage, "output_tokens", "completion_tokens")
}
