package adapters

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Canonical stop reasons. The Anthropic vocabulary is used as the pivot.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopSequence     = "stop_sequence"
	StopPauseTurn    = "pause_turn"
	StopRefusal      = "refusal"
	defaultMaxTokens = 4096
)

// BlockType tags a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Request is the format-neutral request model.
type Request struct {
	Model        string
	System       []SystemBlock
	Messages     []Message
	Tools        []Tool
	ToolChoice   *ToolChoice
	MaxTokens    int
	Temperature  *float64
	TopP         *float64
	Stop         []string
	Stream       bool
	IncludeUsage bool
	User         string
}

// SystemBlock is one entry of the structured system prompt.
type SystemBlock struct {
	Text         string
	CacheControl json.RawMessage
}

// Message is one role-tagged turn.
type Message struct {
	Role    string
	Content []Block
}

// Block is one content block. Fields are populated according to Type.
type Block struct {
	Type         BlockType
	Text         string
	CacheControl json.RawMessage

	// image
	MediaType string
	Data      string
	URL       string

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	IsError   bool
}

// Tool is a function tool definition.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolChoice is one of auto, any, none or tool (with Name).
type ToolChoice struct {
	Type string
	Name string
}

// Response is the format-neutral buffered response model.
type Response struct {
	ID           string
	Model        string
	Content      []Block
	StopReason   string
	StopSequence string
	Usage        Usage
}

// Usage counts tokens. InputTokens excludes cache reads and cache writes.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	ReasoningTokens     int
}

// PromptTokens is the OpenAI notion of input: everything the model read.
func (u Usage) PromptTokens() int {
	return u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// merge overlays non-zero counters from other.
func (u Usage) merge(other Usage) Usage {
	if other.InputTokens > 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > 0 {
		u.OutputTokens = other.OutputTokens
	}
	if other.CacheReadTokens > 0 {
		u.CacheReadTokens = other.CacheReadTokens
	}
	if other.CacheCreationTokens > 0 {
		u.CacheCreationTokens = other.CacheCreationTokens
	}
	if other.ReasoningTokens > 0 {
		u.ReasoningTokens = other.ReasoningTokens
	}
	return u
}

// text concatenates all text blocks.
func (r *Response) text() string {
	var b strings.Builder
	for _, blk := range r.Content {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func (r *Response) hasToolUse() bool {
	for _, blk := range r.Content {
		if blk.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// rawObject returns raw when it is a JSON object, otherwise "{}".
func rawObject(raw []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage("{}")
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

// sjsonRaw embeds already-encoded JSON in a value passed to sjson.
type sjsonRaw string

func (r sjsonRaw) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}
