package tokens_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izzoa/ccproxy-api-sub002/internal/tokens"
)

// wordCounter counts whitespace-separated words.
func wordCounter() *tokens.Counter {
	return tokens.NewCounterWith(func() (tokens.Encoder, error) {
		return tokens.EncoderFunc(func(s string) int { return len(strings.Fields(s)) }), nil
	})
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tokens.Estimate(tt.in), tt.in)
	}
}

func TestCounter_CountMessages(t *testing.T) {
	body := `{
		"model": "claude",
		"system": "be brief",
		"messages": [
			{"role": "user", "content": "hello there friend"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "one two"},
				{"type": "tool_use", "id": "t1", "name": "lookup", "input": {"q": "x"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "t1", "content": [{"type": "text", "text": "result words here"}]},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "AAAA"}}
			]}
		],
		"tools": [{"name": "lookup", "description": "find things", "input_schema": {"type": "object"}}]
	}`

	n, err := wordCounter().CountMessages([]byte(body))
	require.NoError(t, err)

	want := 2 + // system
		(3 + 1 + 3) + // user string
		(3 + 1 + 2 + 1 + 2) + // assistant text + tool_use name + input
		(3 + 1 + 3 + 1600) + // tool_result + image
		(8 + 1 + 2 + 2) // tool
	assert.Equal(t, want, n)
}

func TestCounter_MinimumOne(t *testing.T) {
	n, err := wordCounter().CountMessages([]byte(`{"messages":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCounter_InvalidBodies(t *testing.T) {
	c := wordCounter()
	_, err := c.CountMessages([]byte(`{not json`))
	assert.Error(t, err)
	_, err = c.CountMessages([]byte(`{"messages":"hi"}`))
	assert.Error(t, err)
}

func TestCounter_FallbackWhenEncoderFails(t *testing.T) {
	calls := 0
	c := tokens.NewCounterWith(func() (tokens.Encoder, error) {
		calls++
		return nil, errors.New("offline")
	})

	assert.Equal(t, 2, c.Text("abcdefgh"))
	assert.True(t, c.Approximate())
	c.Text("again")
	assert.Equal(t, 1, calls)
}

func TestCounter_ConcurrentFirstUse(t *testing.T) {
	c := wordCounter()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 2, c.Text("two words"))
		}()
	}
	wg.Wait()
	assert.False(t, c.Approximate())
}
