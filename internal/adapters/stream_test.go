package adapters_test

import (
	"errors"
	"io"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// =============================================================================
// HELPERS
// =============================================================================

func framesOf(raw string) iter.Seq2[sse.Frame, error] {
	return sse.Frames(strings.NewReader(raw))
}

func drain(t *testing.T, seq iter.Seq2[sse.Frame, error]) []sse.Frame {
	t.Helper()
	var out []sse.Frame
	for f, err := range seq {
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func eventNames(frames []sse.Frame) []string {
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		names = append(names, f.Event)
	}
	return names
}

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}

event: ping
data: {"type":"ping"}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":30}}

event: message_stop
data: {"type":"message_stop"}

`

// =============================================================================
// ANTHROPIC UPSTREAM → CHAT CLIENT
// =============================================================================

func TestAnthropicOpenAI_AdaptStream(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{ModelMap: map[string]string{"gpt-4o": "claude-sonnet-4-5"}})
	_, err := adapter.AdaptRequest([]byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	frames := drain(t, adapter.AdaptStream(framesOf(anthropicStream)))
	require.NotEmpty(t, frames)

	// role chunk first, [DONE] last
	first := gjson.ParseBytes(frames[0].Data)
	assert.Equal(t, "assistant", first.Get("choices.0.delta.role").String())
	assert.Equal(t, "gpt-4o", first.Get("model").String())
	assert.Equal(t, "chat.completion.chunk", first.Get("object").String())
	assert.True(t, frames[len(frames)-1].IsDone())

	var text, args strings.Builder
	var finishes []string
	var toolID string
	for _, f := range frames[:len(frames)-1] {
		chunk := gjson.ParseBytes(f.Data)
		assert.Equal(t, first.Get("id").String(), chunk.Get("id").String())
		text.WriteString(chunk.Get("choices.0.delta.content").String())
		tc := chunk.Get("choices.0.delta.tool_calls.0")
		if id := tc.Get("id").String(); id != "" {
			toolID = id
			assert.Equal(t, "get_weather", tc.Get("function.name").String())
		}
		args.WriteString(tc.Get("function.arguments").String())
		if fr := chunk.Get("choices.0.finish_reason").String(); fr != "" {
			finishes = append(finishes, fr)
			assert.Equal(t, int64(12), chunk.Get("usage.prompt_tokens").Int())
			assert.Equal(t, int64(30), chunk.Get("usage.completion_tokens").Int())
		}
	}

	assert.Equal(t, "Hello", text.String())
	assert.Equal(t, "toolu_1", toolID)
	assert.JSONEq(t, `{"city":"Paris"}`, args.String())
	assert.Equal(t, []string{"tool_calls"}, finishes)
}

func TestAdaptStream_NoTerminalOnAbort(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{})
	truncated := strings.SplitAfter(anthropicStream, "event: content_block_stop")[0]

	frames := drain(t, adapter.AdaptStream(framesOf(truncated)))

	require.NotEmpty(t, frames)
	for _, f := range frames {
		assert.False(t, f.IsDone())
		assert.Empty(t, gjson.GetBytes(f.Data, "choices.0.finish_reason").String())
	}
}

func TestAdaptStream_YieldsReadError(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{})
	boom := errors.New("reset by peer")
	upstream := func(yield func(sse.Frame, error) bool) {
		if !yield(sse.Event("message_start", []byte(`{"type":"message_start","message":{"id":"msg_1","model":"m"}}`)), nil) {
			return
		}
		yield(sse.Frame{}, boom)
	}

	var gotErr error
	count := 0
	for _, err := range adapter.AdaptStream(upstream) {
		if err != nil {
			gotErr = err
			break
		}
		count++
	}
	assert.Equal(t, 1, count)
	assert.ErrorIs(t, gotErr, boom)
}

func TestAdaptStream_StopsPullingWhenConsumerStops(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{})
	pulled := 0
	upstream := func(yield func(sse.Frame, error) bool) {
		for range framesOf(anthropicStream) {
			pulled++
			if !yield(sse.Event("content_block_delta", []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`)), nil) {
				return
			}
		}
	}

	for range adapter.AdaptStream(upstream) {
		break
	}
	assert.Equal(t, 1, pulled)
}

func TestAdaptStream_MalformedFirstFrameAborts(t *testing.T) {
	adapter, err := adapters.NewCodexAdapter(adapters.FormatAnthropic, adapters.Options{})
	require.NoError(t, err)

	raw := "data: {not json\n\n" +
		"event: response.created\ndata: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_1\"}}\n\n"
	frames := drain(t, adapter.AdaptStream(framesOf(raw)))

	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Event)
	assert.Equal(t, "error", gjson.GetBytes(frames[0].Data, "type").String())
}

func TestAdaptStream_MalformedLaterFrameSkipped(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{})
	parts := strings.SplitN(anthropicStream, "event: ping", 2)
	raw := parts[0] + "data: {broken\n\n" + "event: ping" + parts[1]

	frames := drain(t, adapter.AdaptStream(framesOf(raw)))

	assert.True(t, frames[len(frames)-1].IsDone())
}

// =============================================================================
// RESPONSES UPSTREAM → ANTHROPIC CLIENT
// =============================================================================

const responsesStream = `event: response.created
data: {"type":"response.created","response":{"id":"resp_1","model":"gpt-5-codex","status":"in_progress"}}

event: response.output_item.added
data: {"type":"response.output_item.added","output_index":0,"item":{"type":"reasoning"}}

event: response.output_item.added
data: {"type":"response.output_item.added","output_index":1,"item":{"type":"message","role":"assistant"}}

event: response.content_part.added
data: {"type":"response.content_part.added","output_index":1,"content_index":0,"part":{"type":"output_text","text":""}}

event: response.output_text.delta
data: {"type":"response.output_text.delta","output_index":1,"content_index":0,"delta":"Sure"}

event: response.output_text.delta
data: {"type":"response.output_text.delta","output_index":1,"content_index":0,"delta":"."}

event: response.content_part.done
data: {"type":"response.content_part.done","output_index":1,"content_index":0}

event: response.output_item.added
data: {"type":"response.output_item.added","output_index":2,"item":{"type":"function_call","call_id":"call_7","name":"shell","arguments":""}}

event: response.function_call_arguments.delta
data: {"type":"response.function_call_arguments.delta","output_index":2,"delta":"{\"cmd\":\"ls\"}"}

event: response.output_item.done
data: {"type":"response.output_item.done","output_index":2,"item":{"type":"function_call","call_id":"call_7","name":"shell","arguments":"{\"cmd\":\"ls\"}"}}

event: response.completed
data: {"type":"response.completed","response":{"id":"resp_1","model":"gpt-5-codex","status":"completed","usage":{"input_tokens":50,"output_tokens":9,"input_tokens_details":{"cached_tokens":10}}}}

`

func TestCodex_AdaptStream_Anthropic(t *testing.T) {
	adapter, err := adapters.NewCodexAdapter(adapters.FormatAnthropic, adapters.Options{})
	require.NoError(t, err)
	_, err = adapter.AdaptRequest([]byte(`{"model":"claude-alias","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	frames := drain(t, adapter.AdaptStream(framesOf(responsesStream)))

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(frames))

	start := gjson.ParseBytes(frames[0].Data)
	assert.Equal(t, "claude-alias", start.Get("message.model").String())

	assert.Equal(t, int64(0), gjson.GetBytes(frames[1].Data, "index").Int())
	assert.Equal(t, "Sure", gjson.GetBytes(frames[2].Data, "delta.text").String())

	toolStart := gjson.ParseBytes(frames[5].Data)
	assert.Equal(t, int64(1), toolStart.Get("index").Int())
	assert.Equal(t, "tool_use", toolStart.Get("content_block.type").String())
	assert.Equal(t, "call_7", toolStart.Get("content_block.id").String())
	assert.Equal(t, `{"cmd":"ls"}`, gjson.GetBytes(frames[6].Data, "delta.partial_json").String())

	delta := gjson.ParseBytes(frames[8].Data)
	assert.Equal(t, "tool_use", delta.Get("delta.stop_reason").String())
	assert.Equal(t, int64(40), delta.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(10), delta.Get("usage.cache_read_input_tokens").Int())
	assert.Equal(t, int64(9), delta.Get("usage.output_tokens").Int())
}

func TestCodex_AdaptStream_FailedResponse(t *testing.T) {
	adapter, err := adapters.NewCodexAdapter(adapters.FormatOpenAIChat, adapters.Options{})
	require.NoError(t, err)

	raw := "event: response.created\ndata: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_1\",\"model\":\"m\"}}\n\n" +
		"event: response.failed\ndata: {\"type\":\"response.failed\",\"response\":{\"error\":{\"message\":\"quota\"}}}\n\n"
	frames := drain(t, adapter.AdaptStream(framesOf(raw)))

	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[1].Event)
	assert.Equal(t, "quota", gjson.GetBytes(frames[1].Data, "error.message").String())
}

// =============================================================================
// COLLECT / REPLAY
// =============================================================================

func TestCodex_CollectStream(t *testing.T) {
	adapter, err := adapters.NewCodexAdapter(adapters.FormatOpenAIChat, adapters.Options{})
	require.NoError(t, err)
	_, err = adapter.AdaptRequest([]byte(`{"model":"gpt-alias","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	body, err := adapter.CollectStream(framesOf(responsesStream))
	require.NoError(t, err)

	got := gjson.ParseBytes(body)
	assert.Equal(t, "chat.completion", got.Get("object").String())
	assert.Equal(t, "gpt-alias", got.Get("model").String())
	assert.Equal(t, "Sure.", got.Get("choices.0.message.content").String())
	assert.Equal(t, "call_7", got.Get("choices.0.message.tool_calls.0.id").String())
	assert.JSONEq(t, `{"cmd":"ls"}`, got.Get("choices.0.message.tool_calls.0.function.arguments").String())
	assert.Equal(t, "tool_calls", got.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(50), got.Get("usage.prompt_tokens").Int())
}

func TestCollectStream_Incomplete(t *testing.T) {
	adapter, err := adapters.NewCodexAdapter(adapters.FormatOpenAIChat, adapters.Options{})
	require.NoError(t, err)
	truncated := strings.Split(responsesStream, "event: response.completed")[0]

	_, err = adapter.CollectStream(framesOf(truncated))

	assert.ErrorIs(t, err, adapters.ErrStreamIncomplete)
}

func TestReplayAsStream_MatchesLiveStreamGrammar(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{})
	_, err := adapter.AdaptRequest([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	frames, err := adapter.ReplayAsStream([]byte(`{"id":"msg_9","type":"message","model":"claude","content":[{"type":"text","text":"hello"}],
		"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, "assistant", gjson.GetBytes(frames[0].Data, "choices.0.delta.role").String())
	assert.Equal(t, "hello", gjson.GetBytes(frames[1].Data, "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.GetBytes(frames[len(frames)-2].Data, "choices.0.finish_reason").String())
	assert.Equal(t, "gpt-4o", gjson.GetBytes(frames[len(frames)-2].Data, "model").String())
	assert.True(t, frames[len(frames)-1].IsDone())
}

func TestStreamFramesSerialize(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{})
	frames := drain(t, adapter.AdaptStream(framesOf(anthropicStream)))

	var buf strings.Builder
	for _, f := range frames {
		buf.Write(f.Bytes())
	}
	reparsed := drain(t, sse.Frames(io.NopCloser(strings.NewReader(buf.String()))))
	assert.Len(t, reparsed, len(frames))
}
