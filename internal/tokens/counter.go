// Package tokens estimates prompt sizes for count_tokens requests.
//
// DESIGN: Providers without a native count endpoint get a local estimate:
//   - text is tokenized with tiktoken (o200k_base), loaded lazily once
//   - if the encoding cannot be loaded the counter degrades to chars/4
//   - images and per-message framing add fixed overheads
//
// The counter reads Anthropic Messages bodies with gjson and never decodes
// the whole request.
package tokens

import (
	"fmt"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// DefaultEncoding is used by NewCounter.
const DefaultEncoding = "o200k_base"

const (
	messageOverhead = 3
	toolOverhead    = 8
	imageTokens     = 1600
)

// Encoder turns text into a token count.
type Encoder interface {
	Count(text string) int
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(string) int

func (f EncoderFunc) Count(text string) int { return f(text) }

type tiktokenEncoder struct {
	tk *tiktoken.Tiktoken
}

func (e tiktokenEncoder) Count(text string) int {
	return len(e.tk.Encode(text, nil, nil))
}

// Estimate approximates tokens with a four-characters-per-token heuristic.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4.0))
}

// Counter counts prompt tokens. Safe for concurrent use.
type Counter struct {
	load     func() (Encoder, error)
	once     sync.Once
	enc      Encoder
	fallback bool
}

// NewCounter returns a Counter backed by the named tiktoken encoding.
func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return NewCounterWith(func() (Encoder, error) {
		tk, err := tiktoken.GetEncoding(encoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
		}
		return tiktokenEncoder{tk: tk}, nil
	})
}

// NewCounterWith returns a Counter that obtains its encoder from load on
// first use.
func NewCounterWith(load func() (Encoder, error)) *Counter {
	return &Counter{load: load}
}

func (c *Counter) encoder() Encoder {
	c.once.Do(func() {
		enc, err := c.load()
		if err != nil || enc == nil {
			log.Warn().Err(err).Msg("tokens: falling back to character estimate")
			c.enc = EncoderFunc(Estimate)
			c.fallback = true
			return
		}
		c.enc = enc
	})
	return c.enc
}

// Approximate reports whether the counter fell back to the heuristic.
func (c *Counter) Approximate() bool {
	c.encoder()
	return c.fallback
}

// Text counts tokens in a single string.
func (c *Counter) Text(text string) int {
	if text == "" {
		return 0
	}
	return c.encoder().Count(text)
}

// CountMessages counts the prompt of an Anthropic Messages request body:
// system, messages and tool definitions. The result is at least 1.
func (c *Counter) CountMessages(body []byte) (int, error) {
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("invalid JSON body")
	}
	root := gjson.ParseBytes(body)
	messages := root.Get("messages")
	if !messages.IsArray() {
		return 0, fmt.Errorf("messages must be an array")
	}

	total := c.content(root.Get("system"))
	messages.ForEach(func(_, msg gjson.Result) bool {
		total += messageOverhead + c.Text(msg.Get("role").String())
		total += c.content(msg.Get("content"))
		return true
	})
	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		total += toolOverhead
		total += c.Text(tool.Get("name").String())
		total += c.Text(tool.Get("description").String())
		total += c.Text(tool.Get("input_schema").Raw)
		return true
	})
	return max(total, 1), nil
}

// content counts a string or block-array content value.
func (c *Counter) content(v gjson.Result) int {
	if !v.Exists() {
		return 0
	}
	if v.Type == gjson.String {
		return c.Text(v.String())
	}
	total := 0
	v.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			total += c.Text(block.Get("text").String())
		case "image":
			total += imageTokens
		case "tool_use":
			total += c.Text(block.Get("name").String()) + c.Text(block.Get("input").Raw)
		case "tool_result":
			total += c.content(block.Get("content"))
		case "thinking":
			total += c.Text(block.Get("thinking").String())
		}
		return true
	})
	return total
}
