package adapters_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
)

// =============================================================================
// CHAT CLIENT → ANTHROPIC UPSTREAM
// =============================================================================

func TestAnthropicOpenAI_AdaptRequest(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{
		ModelMap: map[string]string{"gpt-4o": "claude-sonnet-4-5"},
	})

	body := []byte(`{
		"model": "gpt-4o",
		"max_tokens": 256,
		"temperature": 0.2,
		"stop": "END",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "What is the weather?"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object"}}}],
		"tool_choice": "required"
	}`)

	out, err := adapter.AdaptRequest(body)
	require.NoError(t, err)

	got := gjson.ParseBytes(out)
	assert.Equal(t, "claude-sonnet-4-5", got.Get("model").String())
	assert.Equal(t, int64(256), got.Get("max_tokens").Int())
	assert.Equal(t, "END", got.Get("stop_sequences.0").String())
	assert.Equal(t, "be terse", got.Get("system.0.text").String())
	assert.Equal(t, "text", got.Get("system.0.type").String())

	msgs := got.Get("messages").Array()
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "What is the weather?", msgs[0].Get("content.0.text").String())
	assert.Equal(t, "tool_use", msgs[1].Get("content.0.type").String())
	assert.Equal(t, "Paris", msgs[1].Get("content.0.input.city").String())
	assert.Equal(t, "tool_result", msgs[2].Get("content.0.type").String())
	assert.Equal(t, "call_1", msgs[2].Get("content.0.tool_use_id").String())
	assert.Equal(t, "sunny", msgs[2].Get("content.0.content").String())

	assert.Equal(t, "get_weather", got.Get("tools.0.name").String())
	assert.Equal(t, "any", got.Get("tool_choice.type").String())
	assert.Equal(t, "gpt-4o", adapter.ClientModel())
}

func TestAnthropicOpenAI_AdaptRequest_DefaultMaxTokens(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{DefaultMaxTokens: 1024})

	out, err := adapter.AdaptRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1024), gjson.GetBytes(out, "max_tokens").Int())
}

func TestAnthropicOpenAI_AdaptRequest_InvalidJSON(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{})
	body := []byte(`{"model": "gpt-4o", "messages": [`)

	out, err := adapter.AdaptRequest(body)

	require.Error(t, err)
	var perr *adapters.ParseError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, body, out)
}

func TestAnthropicOpenAI_AdaptRequest_InjectsInstructions(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{
		ModelMap:     map[string]string{"gpt-4o": "claude-opus-4"},
		Instructions: adapters.Injector{Template: "Model: {model}", Mode: adapters.InjectionAppend},
	})

	out, err := adapter.AdaptRequest([]byte(`{"model":"gpt-4o","messages":[
		{"role":"system","content":"first"},
		{"role":"system","content":"second"},
		{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	system := gjson.GetBytes(out, "system").Array()
	require.Len(t, system, 2)
	assert.Equal(t, "first\nModel: claude-opus-4", system[0].Get("text").String())
	assert.Equal(t, "second", system[1].Get("text").String())
}

func TestAnthropicOpenAI_AdaptResponse(t *testing.T) {
	adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{
		ModelMap: map[string]string{"gpt-4o": "claude-sonnet-4-5"},
	})
	_, err := adapter.AdaptRequest([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	upstream := []byte(`{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [
			{"type": "thinking", "thinking": "hmm"},
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
		],
		"stop_reason": "tool_use",
		"stop_sequence": null,
		"usage": {"input_tokens": 10, "output_tokens": 5, "cache_read_input_tokens": 20, "cache_creation_input_tokens": 3},
		"unknown_field": true
	}`)

	out, err := adapter.AdaptResponse(upstream)
	require.NoError(t, err)

	got := gjson.ParseBytes(out)
	assert.Equal(t, "chat.completion", got.Get("object").String())
	assert.Equal(t, "chatcmpl-msg_01", got.Get("id").String())
	assert.Equal(t, "gpt-4o", got.Get("model").String())
	assert.Equal(t, "Let me check.", got.Get("choices.0.message.content").String())
	assert.Equal(t, "tool_calls", got.Get("choices.0.finish_reason").String())
	assert.Equal(t, "toolu_1", got.Get("choices.0.message.tool_calls.0.id").String())
	assert.JSONEq(t, `{"city":"Paris"}`, got.Get("choices.0.message.tool_calls.0.function.arguments").String())
	assert.Equal(t, int64(33), got.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(5), got.Get("usage.completion_tokens").Int())
	assert.Equal(t, int64(38), got.Get("usage.total_tokens").Int())
	assert.Equal(t, int64(20), got.Get("usage.prompt_tokens_details.cached_tokens").Int())
	assert.False(t, got.Get("unknown_field").Exists())
}

func TestAnthropicOpenAI_FinishReasons(t *testing.T) {
	tests := []struct {
		stop string
		want string
	}{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
	}
	for _, tt := range tests {
		t.Run(tt.stop, func(t *testing.T) {
			adapter := adapters.NewAnthropicOpenAIAdapter(adapters.Options{})
			body, _ := json.Marshal(map[string]any{
				"id": "msg_1", "type": "message", "model": "m",
				"content":     []any{map[string]any{"type": "text", "text": "x"}},
				"stop_reason": tt.stop,
				"usage":       map[string]int{"input_tokens": 1, "output_tokens": 1},
			})
			out, err := adapter.AdaptResponse(body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, gjson.GetBytes(out, "choices.0.finish_reason").String())
		})
	}
}

// =============================================================================
// ANTHROPIC CLIENT → RESPONSES UPSTREAM (Codex)
// =============================================================================

func TestCodex_AdaptRequest(t *testing.T) {
	adapter, err := adapters.NewCodexAdapter(adapters.FormatAnthropic, adapters.Options{
		ModelMap:     map[string]string{"claude-sonnet-4-5": "gpt-5-codex"},
		Instructions: adapters.Injector{Template: "You are Codex running {model}.", Mode: adapters.InjectionOverride},
	})
	require.NoError(t, err)

	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 512,
		"stream": true,
		"system": "client system prompt",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "look"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "AAAA"}}
			]},
			{"role": "assistant", "content": [
				{"type": "text", "text": "calling"},
				{"type": "tool_use", "id": "call_9", "name": "ls", "input": {"path": "/"}}
			]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "call_9", "content": [{"type": "text", "text": "bin etc"}]}]}
		],
		"tools": [{"name": "ls", "description": "list", "input_schema": {"type": "object"}}]
	}`)

	out, err := adapter.AdaptRequest(body)
	require.NoError(t, err)

	got := gjson.ParseBytes(out)
	assert.Equal(t, "gpt-5-codex", got.Get("model").String())
	assert.Equal(t, "You are Codex running gpt-5-codex.", got.Get("instructions").String())
	assert.True(t, got.Get("stream").Bool())
	assert.Equal(t, int64(512), got.Get("max_output_tokens").Int())

	input := got.Get("input").Array()
	require.Len(t, input, 4)
	assert.Equal(t, "input_text", input[0].Get("content.0.type").String())
	assert.Equal(t, "data:image/png;base64,AAAA", input[0].Get("content.1.image_url").String())
	assert.Equal(t, "output_text", input[1].Get("content.0.type").String())
	assert.Equal(t, "function_call", input[2].Get("type").String())
	assert.Equal(t, "call_9", input[2].Get("call_id").String())
	assert.JSONEq(t, `{"path":"/"}`, input[2].Get("arguments").String())
	assert.Equal(t, "function_call_output", input[3].Get("type").String())
	assert.Equal(t, "bin etc", input[3].Get("output").String())

	assert.Equal(t, "function", got.Get("tools.0.type").String())
	assert.Equal(t, "ls", got.Get("tools.0.name").String())
}

func TestCodex_AdaptResponse(t *testing.T) {
	adapter, err := adapters.NewCodexAdapter(adapters.FormatAnthropic, adapters.Options{})
	require.NoError(t, err)
	_, err = adapter.AdaptRequest([]byte(`{"model":"claude-alias","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	upstream := []byte(`{
		"id": "resp_1",
		"object": "response",
		"model": "gpt-5-codex",
		"status": "completed",
		"output": [
			{"type": "reasoning", "summary": []},
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "done"}]}
		],
		"usage": {"input_tokens": 100, "output_tokens": 7, "input_tokens_details": {"cached_tokens": 60}, "output_tokens_details": {"reasoning_tokens": 4}}
	}`)

	out, err := adapter.AdaptResponse(upstream)
	require.NoError(t, err)

	got := gjson.ParseBytes(out)
	assert.Equal(t, "message", got.Get("type").String())
	assert.Equal(t, "assistant", got.Get("role").String())
	assert.Equal(t, "claude-alias", got.Get("model").String())
	assert.True(t, len(got.Get("id").String()) > 4)
	assert.Equal(t, "msg_", got.Get("id").String()[:4])
	assert.Equal(t, "done", got.Get("content.0.text").String())
	assert.Equal(t, "end_turn", got.Get("stop_reason").String())
	assert.Equal(t, int64(40), got.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(60), got.Get("usage.cache_read_input_tokens").Int())
	assert.Equal(t, int64(7), got.Get("usage.output_tokens").Int())
}

func TestCodex_AdaptResponse_Incomplete(t *testing.T) {
	adapter, err := adapters.NewCodexAdapter(adapters.FormatOpenAIChat, adapters.Options{})
	require.NoError(t, err)

	out, err := adapter.AdaptResponse([]byte(`{"id":"resp_2","object":"response","model":"m","status":"incomplete",
		"incomplete_details":{"reason":"max_output_tokens"},
		"output":[{"type":"message","content":[{"type":"output_text","text":"trunc"}]}],
		"usage":{"input_tokens":1,"output_tokens":2}}`))
	require.NoError(t, err)

	assert.Equal(t, "length", gjson.GetBytes(out, "choices.0.finish_reason").String())
}

// =============================================================================
// ANTHROPIC CLIENT → CHAT UPSTREAM
// =============================================================================

func TestTranslating_AnthropicToChat_RoundTrip(t *testing.T) {
	adapter, err := adapters.NewTranslatingAdapter(adapters.FormatAnthropic, adapters.FormatOpenAIChat, adapters.Options{})
	require.NoError(t, err)

	out, err := adapter.AdaptRequest([]byte(`{"model":"llama","max_tokens":50,
		"system":[{"type":"text","text":"sys one"},{"type":"text","text":"sys two"}],
		"messages":[{"role":"user","content":"hello"}]}`))
	require.NoError(t, err)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 3)
	assert.Equal(t, "sys one", msgs[0].Get("content").String())
	assert.Equal(t, "sys two", msgs[1].Get("content").String())
	assert.Equal(t, "hello", msgs[2].Get("content").String())

	resp, err := adapter.AdaptResponse([]byte(`{"id":"chatcmpl-1","object":"chat.completion","model":"llama",
		"choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12,"prompt_tokens_details":{"cached_tokens":4}}}`))
	require.NoError(t, err)

	got := gjson.ParseBytes(resp)
	assert.Equal(t, "hi there", got.Get("content.0.text").String())
	assert.Equal(t, "end_turn", got.Get("stop_reason").String())
	assert.Equal(t, int64(5), got.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(4), got.Get("usage.cache_read_input_tokens").Int())
}

func TestNewTranslatingAdapter_RejectsResponsesClient(t *testing.T) {
	_, err := adapters.NewTranslatingAdapter(adapters.FormatOpenAIResponses, adapters.FormatAnthropic, adapters.Options{})
	assert.Error(t, err)
}
