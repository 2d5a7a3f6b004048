package adapters_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
)

func TestPassthrough_Anthropic_NormalizesStringSystem(t *testing.T) {
	adapter := adapters.NewPassthroughAdapter(adapters.FormatAnthropic, adapters.Options{})

	out, err := adapter.AdaptRequest([]byte(`{"model":"claude","system":"be brief","messages":[],"x_custom":1}`))
	require.NoError(t, err)

	got := gjson.ParseBytes(out)
	require.True(t, got.Get("system").IsArray())
	assert.Equal(t, "text", got.Get("system.0.type").String())
	assert.Equal(t, "be brief", got.Get("system.0.text").String())
	assert.Equal(t, int64(1), got.Get("x_custom").Int())
}

func TestPassthrough_Anthropic_Injection(t *testing.T) {
	body := []byte(`{"model":"sonnet","system":[
		{"type":"text","text":"client","cache_control":{"type":"ephemeral"}},
		{"type":"text","text":"later"}],"messages":[]}`)

	tests := []struct {
		name      string
		mode      adapters.InjectionMode
		wantFirst string
		wantCache bool
	}{
		{"override", adapters.InjectionOverride, "native for claude-sonnet-4-5", false},
		{"append", adapters.InjectionAppend, "client\nnative for claude-sonnet-4-5", true},
		{"disabled", adapters.InjectionDisabled, "client", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := adapters.NewPassthroughAdapter(adapters.FormatAnthropic, adapters.Options{
				ModelMap:     map[string]string{"sonnet": "claude-sonnet-4-5"},
				Instructions: adapters.Injector{Template: "native for {model}", Mode: tt.mode},
			})
			out, err := adapter.AdaptRequest(body)
			require.NoError(t, err)

			got := gjson.ParseBytes(out)
			assert.Equal(t, "claude-sonnet-4-5", got.Get("model").String())
			assert.Equal(t, tt.wantFirst, got.Get("system.0.text").String())
			assert.Equal(t, tt.wantCache, got.Get("system.0.cache_control").Exists())
			assert.Equal(t, "later", got.Get("system.1.text").String())
		})
	}
}

func TestPassthrough_Chat_InsertsSystemMessage(t *testing.T) {
	adapter := adapters.NewPassthroughAdapter(adapters.FormatOpenAIChat, adapters.Options{
		Instructions: adapters.Injector{Template: "native", Mode: adapters.InjectionAppend},
	})

	out, err := adapter.AdaptRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, "native", msgs[0].Get("content").String())
	assert.Equal(t, "hi", msgs[1].Get("content").String())
}

func TestPassthrough_Chat_AppendsToFirstSystemMessage(t *testing.T) {
	adapter := adapters.NewPassthroughAdapter(adapters.FormatOpenAIChat, adapters.Options{
		Instructions: adapters.Injector{Template: "native", Mode: adapters.InjectionAppend},
	})

	out, err := adapter.AdaptRequest([]byte(`{"model":"m","messages":[
		{"role":"user","content":"hi"},
		{"role":"system","content":"client"},
		{"role":"system","content":"second"}]}`))
	require.NoError(t, err)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 3)
	assert.Equal(t, "client\nnative", msgs[1].Get("content").String())
	assert.Equal(t, "second", msgs[2].Get("content").String())
}

func TestPassthrough_Responses_Instructions(t *testing.T) {
	adapter := adapters.NewPassthroughAdapter(adapters.FormatOpenAIResponses, adapters.Options{
		Instructions: adapters.Injector{Template: "codex {model}", Mode: adapters.InjectionOverride},
	})

	out, err := adapter.AdaptRequest([]byte(`{"model":"gpt-5","instructions":"mine","input":[]}`))
	require.NoError(t, err)

	assert.Equal(t, "codex gpt-5", gjson.GetBytes(out, "instructions").String())
}

func TestPassthrough_InvalidJSON(t *testing.T) {
	adapter := adapters.NewPassthroughAdapter(adapters.FormatAnthropic, adapters.Options{})
	body := []byte(`not json`)

	out, err := adapter.AdaptRequest(body)

	assert.Error(t, err)
	assert.Equal(t, body, out)
}

func TestPassthrough_EchoesAlias(t *testing.T) {
	adapter := adapters.NewPassthroughAdapter(adapters.FormatAnthropic, adapters.Options{
		ModelMap: map[string]string{"fast": "claude-haiku-4-5"},
	})
	_, err := adapter.AdaptRequest([]byte(`{"model":"fast","messages":[]}`))
	require.NoError(t, err)

	out, err := adapter.AdaptResponse([]byte(`{"id":"msg_1","type":"message","model":"claude-haiku-4-5","content":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "fast", gjson.GetBytes(out, "model").String())

	frames := drain(t, adapter.AdaptStream(framesOf(anthropicStream)))
	assert.Equal(t, "fast", gjson.GetBytes(frames[0].Data, "message.model").String())
	assert.Equal(t, "message_stop", frames[len(frames)-1].Event)
}

func TestPassthrough_Responses_CollectStream(t *testing.T) {
	adapter := adapters.NewPassthroughAdapter(adapters.FormatOpenAIResponses, adapters.Options{
		ModelMap: map[string]string{"codex": "gpt-5-codex"},
	})
	_, err := adapter.AdaptRequest([]byte(`{"model":"codex","input":[]}`))
	require.NoError(t, err)

	body, err := adapter.CollectStream(framesOf(responsesStream))
	require.NoError(t, err)

	got := gjson.ParseBytes(body)
	assert.Equal(t, "resp_1", got.Get("id").String())
	assert.Equal(t, "codex", got.Get("model").String())
	assert.Equal(t, "completed", got.Get("status").String())
}

func TestPassthrough_Responses_ReplayAsStream(t *testing.T) {
	adapter := adapters.NewPassthroughAdapter(adapters.FormatOpenAIResponses, adapters.Options{})

	frames, err := adapter.ReplayAsStream([]byte(`{"id":"resp_1","object":"response","status":"completed","output":[{"type":"message"}]}`))
	require.NoError(t, err)

	require.Len(t, frames, 2)
	assert.Equal(t, "response.created", frames[0].Event)
	assert.Equal(t, "in_progress", gjson.GetBytes(frames[0].Data, "response.status").String())
	assert.Equal(t, "response.completed", frames[1].Event)
	assert.Equal(t, "completed", gjson.GetBytes(frames[1].Data, "response.status").String())
}

func TestRegistry_New(t *testing.T) {
	reg := adapters.NewRegistry()

	a, err := reg.New(adapters.Pair{Client: adapters.FormatOpenAIChat, Upstream: adapters.FormatAnthropic}, adapters.Options{})
	require.NoError(t, err)
	assert.Equal(t, "anthropic_openai", a.Name())
	assert.Equal(t, adapters.FormatOpenAIChat, a.ClientFormat())

	p, err := reg.New(adapters.Pair{Client: adapters.FormatAnthropic, Upstream: adapters.FormatAnthropic}, adapters.Options{})
	require.NoError(t, err)
	assert.IsType(t, &adapters.PassthroughAdapter{}, p)

	assert.False(t, reg.Supports(adapters.Pair{Client: adapters.FormatOpenAIResponses, Upstream: adapters.FormatAnthropic}))
	_, err = reg.New(adapters.Pair{Client: adapters.FormatOpenAIResponses, Upstream: adapters.FormatAnthropic}, adapters.Options{})
	assert.Error(t, err)
}
