package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// anthropicCodec handles the Anthropic Messages wire format.
// Anthropic uses typed content blocks; tool results are user-role blocks.
type anthropicCodec struct{}

// =============================================================================
// WIRE TYPES
// =============================================================================

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        json.RawMessage    `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Metadata      *anthropicMetadata `json:"metadata,omitempty"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type         string                `json:"type"`
	Text         *string               `json:"text,omitempty"`
	CacheControl json.RawMessage       `json:"cache_control,omitempty"`
	Source       *anthropicImageSource `json:"source,omitempty"`
	ID           string                `json:"id,omitempty"`
	Name         string                `json:"name,omitempty"`
	Input        json.RawMessage       `json:"input,omitempty"`
	ToolUseID    string                `json:"tool_use_id,omitempty"`
	Content      json.RawMessage       `json:"content,omitempty"`
	IsError      bool                  `json:"is_error,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Model        string           `json:"model"`
	Content      []anthropicBlock `json:"content"`
	StopReason   string           `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

func (u anthropicUsage) canonical() Usage {
	return Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

func anthropicUsageFrom(u Usage) anthropicUsage {
	return anthropicUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
	}
}

// =============================================================================
// REQUEST
// =============================================================================

func (anthropicCodec) decodeRequest(body []byte) (*Request, error) {
	var in anthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, parseError("decode anthropic request", err)
	}

	req := &Request{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
		Stream:      in.Stream,
	}
	if in.Metadata != nil {
		req.User = in.Metadata.UserID
	}

	system, err := decodeAnthropicSystem(in.System)
	if err != nil {
		return nil, parseError("decode anthropic system", err)
	}
	req.System = system

	for _, m := range in.Messages {
		blocks, err := decodeAnthropicContent(m.Content)
		if err != nil {
			return nil, parseError("decode anthropic message", err)
		}
		req.Messages = append(req.Messages, Message{Role: m.Role, Content: blocks})
	}

	for _, t := range in.Tools {
		req.Tools = append(req.Tools, Tool{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	if len(in.ToolChoice) > 0 {
		var tc anthropicToolChoice
		if err := json.Unmarshal(in.ToolChoice, &tc); err == nil && tc.Type != "" {
			req.ToolChoice = &ToolChoice{Type: tc.Type, Name: tc.Name}
		}
	}
	return req, nil
}

// decodeAnthropicSystem accepts the string and the array forms.
func decodeAnthropicSystem(raw json.RawMessage) ([]SystemBlock, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []SystemBlock{{Text: s}}, nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	out := make([]SystemBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, SystemBlock{Text: deref(b.Text), CacheControl: b.CacheControl})
	}
	return out, nil
}

func decodeAnthropicContent(raw json.RawMessage) ([]Block, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Block{{Type: BlockText, Text: s}}, nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, Block{Type: BlockText, Text: deref(b.Text), CacheControl: b.CacheControl})
		case "image":
			blk := Block{Type: BlockImage, CacheControl: b.CacheControl}
			if b.Source != nil {
				blk.MediaType = b.Source.MediaType
				blk.Data = b.Source.Data
				blk.URL = b.Source.URL
			}
			out = append(out, blk)
		case "tool_use":
			out = append(out, Block{Type: BlockToolUse, ID: b.ID, Name: b.Name, Input: rawObject(b.Input), CacheControl: b.CacheControl})
		case "tool_result":
			out = append(out, Block{
				Type:         BlockToolResult,
				ToolUseID:    b.ToolUseID,
				Text:         toolResultText(b.Content),
				IsError:      b.IsError,
				CacheControl: b.CacheControl,
			})
		}
	}
	return out, nil
}

// toolResultText flattens tool_result content (string or text blocks).
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.String {
		return res.String()
	}
	var parts []string
	res.ForEach(func(_, v gjson.Result) bool {
		if v.Get("type").String() == "text" {
			parts = append(parts, v.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func (anthropicCodec) encodeRequest(req *Request) ([]byte, error) {
	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if req.User != "" {
		out.Metadata = &anthropicMetadata{UserID: req.User}
	}

	if len(req.System) > 0 {
		blocks := make([]anthropicBlock, 0, len(req.System))
		for _, s := range req.System {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: ptr(s.Text), CacheControl: s.CacheControl})
		}
		raw, err := json.Marshal(blocks)
		if err != nil {
			return nil, fmt.Errorf("failed to encode system: %w", err)
		}
		out.System = raw
	}

	// Anthropic requires alternating roles; adjacent turns of the same role
	// (typically consecutive tool results) are merged.
	var merged []Message
	for _, m := range req.Messages {
		if n := len(merged); n > 0 && merged[n-1].Role == m.Role {
			merged[n-1].Content = append(merged[n-1].Content, m.Content...)
			continue
		}
		merged = append(merged, Message{Role: m.Role, Content: append([]Block(nil), m.Content...)})
	}
	for _, m := range merged {
		raw, err := json.Marshal(encodeAnthropicBlocks(m.Content))
		if err != nil {
			return nil, fmt.Errorf("failed to encode message: %w", err)
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: raw})
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schemaOrEmpty(t.Schema)})
	}
	if req.ToolChoice != nil {
		raw, err := json.Marshal(anthropicToolChoice{Type: req.ToolChoice.Type, Name: req.ToolChoice.Name})
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool choice: %w", err)
		}
		out.ToolChoice = raw
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode anthropic request: %w", err)
	}
	return body, nil
}

func encodeAnthropicBlocks(blocks []Block) []anthropicBlock {
	out := make([]anthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			out = append(out, anthropicBlock{Type: "text", Text: ptr(b.Text), CacheControl: b.CacheControl})
		case BlockImage:
			src := &anthropicImageSource{Type: "base64", MediaType: b.MediaType, Data: b.Data}
			if b.Data == "" {
				src = &anthropicImageSource{Type: "url", URL: b.URL}
			}
			out = append(out, anthropicBlock{Type: "image", Source: src, CacheControl: b.CacheControl})
		case BlockToolUse:
			out = append(out, anthropicBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: rawObject(b.Input), CacheControl: b.CacheControl})
		case BlockToolResult:
			content, _ := json.Marshal(b.Text)
			out = append(out, anthropicBlock{Type: "tool_result", ToolUseID: b.ToolUseID, Content: content, IsError: b.IsError, CacheControl: b.CacheControl})
		}
	}
	return out
}

// =============================================================================
// RESPONSE
// =============================================================================

func (anthropicCodec) decodeResponse(body []byte) (*Response, error) {
	var in anthropicResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, parseError("decode anthropic response", err)
	}
	if in.Type != "" && in.Type != "message" {
		return nil, parseError("decode anthropic response", fmt.Errorf("unexpected type %q", in.Type))
	}

	resp := &Response{
		ID:           in.ID,
		Model:        in.Model,
		StopReason:   in.StopReason,
		StopSequence: deref(in.StopSequence),
		Usage:        in.Usage.canonical(),
	}
	for _, b := range in.Content {
		switch b.Type {
		case "text":
			resp.Content = append(resp.Content, Block{Type: BlockText, Text: deref(b.Text)})
		case "tool_use":
			resp.Content = append(resp.Content, Block{Type: BlockToolUse, ID: b.ID, Name: b.Name, Input: rawObject(b.Input)})
		}
	}
	return resp, nil
}

func (anthropicCodec) encodeResponse(resp *Response) ([]byte, error) {
	out := anthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    encodeAnthropicBlocks(resp.Content),
		StopReason: resp.StopReason,
		Usage:      anthropicUsageFrom(resp.Usage),
	}
	if out.ID == "" || !strings.HasPrefix(out.ID, "msg_") {
		out.ID = newID("msg_")
	}
	if out.StopReason == "" {
		out.StopReason = StopEndTurn
	}
	if resp.StopSequence != "" {
		out.StopSequence = ptr(resp.StopSequence)
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode anthropic response: %w", err)
	}
	return body, nil
}

// =============================================================================
// ERRORS
// =============================================================================

func anthropicErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusGatewayTimeout:
		return "timeout_error"
	case 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func anthropicErrorPayload(errType, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
	return body
}

func anthropicErrorBody(status int, message string) []byte {
	return anthropicErrorPayload(anthropicErrorType(status), message)
}

func anthropicErrorFrame(message string) sse.Frame {
	return sse.Event("error", anthropicErrorPayload("api_error", message))
}

// =============================================================================
// HELPERS
// =============================================================================

func ptr[T any](v T) *T {
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func schemaOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}
