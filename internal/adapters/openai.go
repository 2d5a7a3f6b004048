package adapters

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// chatCodec handles the OpenAI Chat Completions wire format.
// Tool results are separate role:"tool" messages; tool calls live on the
// assistant message as tool_calls[].
type chatCodec struct{}

// =============================================================================
// WIRE TYPES
// =============================================================================

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *chatStreamOpts `json:"stream_options,omitempty"`
	Tools               []chatTool      `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	User                string          `json:"user,omitempty"`
}

type chatStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int              `json:"index"`
	Message      chatOutMessage   `json:"message"`
	Logprobs     *json.RawMessage `json:"logprobs"`
	FinishReason string           `json:"finish_reason"`
}

type chatOutMessage struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	Refusal   *string        `json:"refusal,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens            int                `json:"prompt_tokens"`
	CompletionTokens        int                `json:"completion_tokens"`
	TotalTokens             int                `json:"total_tokens"`
	PromptTokensDetails     *chatPromptDetails `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *chatOutputDetails `json:"completion_tokens_details,omitempty"`
}

type chatPromptDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type chatOutputDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

func (u *chatUsage) canonical() Usage {
	if u == nil {
		return Usage{}
	}
	out := Usage{OutputTokens: u.CompletionTokens}
	cached := 0
	if u.PromptTokensDetails != nil {
		cached = u.PromptTokensDetails.CachedTokens
	}
	out.CacheReadTokens = cached
	out.InputTokens = max(u.PromptTokens-cached, 0)
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

func chatUsageFrom(u Usage) *chatUsage {
	prompt := u.PromptTokens()
	return &chatUsage{
		PromptTokens:            prompt,
		CompletionTokens:        u.OutputTokens,
		TotalTokens:             prompt + u.OutputTokens,
		PromptTokensDetails:     &chatPromptDetails{CachedTokens: u.CacheReadTokens},
		CompletionTokensDetails: &chatOutputDetails{ReasoningTokens: u.ReasoningTokens},
	}
}

// =============================================================================
// STOP REASONS
// =============================================================================

func finishReasonToStop(finish string) string {
	switch finish {
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	case "":
		return ""
	default:
		return StopEndTurn
	}
}

func stopToFinishReason(stop string) string {
	switch stop {
	case StopMaxTokens:
		return "length"
	case StopToolUse:
		return "tool_calls"
	case StopRefusal:
		return "content_filter"
	default:
		return "stop"
	}
}

// =============================================================================
// REQUEST
// =============================================================================

func (chatCodec) decodeRequest(body []byte) (*Request, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, parseError("decode chat request", err)
	}

	req := &Request{
		Model:       in.Model,
		MaxTokens:   in.MaxCompletionTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
		User:        in.User,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = in.MaxTokens
	}
	if in.StreamOptions != nil {
		req.IncludeUsage = in.StreamOptions.IncludeUsage
	}
	if len(in.Stop) > 0 {
		var one string
		if err := json.Unmarshal(in.Stop, &one); err == nil {
			req.Stop = []string{one}
		} else if err := json.Unmarshal(in.Stop, &req.Stop); err != nil {
			return nil, parseError("decode chat stop", err)
		}
	}

	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			parts, err := decodeChatContent(m.Content)
			if err != nil {
				return nil, parseError("decode chat system message", err)
			}
			for _, p := range parts {
				if p.Type == BlockText {
					req.System = append(req.System, SystemBlock{Text: p.Text})
				}
			}

		case "tool":
			parts, err := decodeChatContent(m.Content)
			if err != nil {
				return nil, parseError("decode chat tool message", err)
			}
			req.Messages = append(req.Messages, Message{
				Role:    "user",
				Content: []Block{{Type: BlockToolResult, ToolUseID: m.ToolCallID, Text: joinText(parts)}},
			})

		case "assistant":
			parts, err := decodeChatContent(m.Content)
			if err != nil {
				return nil, parseError("decode chat assistant message", err)
			}
			msg := Message{Role: "assistant"}
			for _, p := range parts {
				if p.Type == BlockText && p.Text != "" {
					msg.Content = append(msg.Content, p)
				}
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, Block{
					Type:  BlockToolUse,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: rawObject([]byte(tc.Function.Arguments)),
				})
			}
			req.Messages = append(req.Messages, msg)

		default:
			parts, err := decodeChatContent(m.Content)
			if err != nil {
				return nil, parseError("decode chat user message", err)
			}
			req.Messages = append(req.Messages, Message{Role: "user", Content: parts})
		}
	}

	for _, t := range in.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, Tool{Name: t.Function.Name, Description: t.Function.Description, Schema: t.Function.Parameters})
	}
	req.ToolChoice = decodeChatToolChoice(in.ToolChoice)
	return req, nil
}

func decodeChatContent(raw json.RawMessage) ([]Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Block{{Type: BlockText, Text: s}}, nil
	}
	var parts []chatPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, err
	}
	out := make([]Block, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text", "input_text":
			out = append(out, Block{Type: BlockText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, imageFromURL(p.ImageURL.URL))
			}
		}
	}
	return out, nil
}

// imageFromURL splits data URIs into media type and base64 payload.
func imageFromURL(url string) Block {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		if meta, data, ok := strings.Cut(rest, ","); ok {
			return Block{Type: BlockImage, MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
		}
	}
	return Block{Type: BlockImage, URL: url}
}

func imageURL(b Block) string {
	if b.Data != "" {
		return "data:" + b.MediaType + ";base64," + b.Data
	}
	return b.URL
}

func joinText(blocks []Block) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decodeChatToolChoice(raw json.RawMessage) *ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &ToolChoice{Type: "auto"}
		case "required":
			return &ToolChoice{Type: "any"}
		case "none":
			return &ToolChoice{Type: "none"}
		}
		return nil
	}
	var obj chatTool
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &ToolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

func encodeChatToolChoice(tc *ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case "any":
		return json.RawMessage(`"required"`)
	case "none":
		return json.RawMessage(`"none"`)
	case "tool":
		raw, _ := json.Marshal(map[string]any{"type": "function", "function": map[string]string{"name": tc.Name}})
		return raw
	default:
		return json.RawMessage(`"auto"`)
	}
}

func (chatCodec) encodeRequest(req *Request) ([]byte, error) {
	out := chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		User:        req.User,
		ToolChoice:  encodeChatToolChoice(req.ToolChoice),
	}
	if req.Stream {
		out.StreamOptions = &chatStreamOpts{IncludeUsage: true}
	}
	if len(req.Stop) > 0 {
		out.Stop, _ = json.Marshal(req.Stop)
	}

	for _, s := range req.System {
		content, _ := json.Marshal(s.Text)
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: content})
	}

	for _, m := range req.Messages {
		msgs, err := encodeChatMessage(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: schemaOrEmpty(t.Schema)},
		})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}
	return body, nil
}

// encodeChatMessage may yield several chat messages: tool results become
// role:"tool" messages ahead of any remaining user content.
func encodeChatMessage(m Message) ([]chatMessage, error) {
	if m.Role == "assistant" {
		msg := chatMessage{Role: "assistant"}
		var text []string
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				text = append(text, b.Text)
			case BlockToolUse:
				msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
					ID:       b.ID,
					Type:     "function",
					Function: chatFunctionCall{Name: b.Name, Arguments: string(rawObject(b.Input))},
				})
			}
		}
		if len(text) > 0 || len(msg.ToolCalls) == 0 {
			msg.Content, _ = json.Marshal(strings.Join(text, ""))
		}
		return []chatMessage{msg}, nil
	}

	var out []chatMessage
	var parts []chatPart
	for _, b := range m.Content {
		switch b.Type {
		case BlockToolResult:
			content, _ := json.Marshal(b.Text)
			out = append(out, chatMessage{Role: "tool", ToolCallID: b.ToolUseID, Content: content})
		case BlockText:
			parts = append(parts, chatPart{Type: "text", Text: b.Text})
		case BlockImage:
			parts = append(parts, chatPart{Type: "image_url", ImageURL: &chatImageURL{URL: imageURL(b)}})
		}
	}
	if len(parts) == 0 {
		return out, nil
	}

	var content []byte
	var err error
	if len(parts) == 1 && parts[0].Type == "text" {
		content, err = json.Marshal(parts[0].Text)
	} else {
		content, err = json.Marshal(parts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat content: %w", err)
	}
	return append(out, chatMessage{Role: m.Role, Content: content}), nil
}

// =============================================================================
// RESPONSE
// =============================================================================

func (chatCodec) decodeResponse(body []byte) (*Response, error) {
	var in chatResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, parseError("decode chat response", err)
	}
	if len(in.Choices) == 0 {
		return nil, parseError("decode chat response", fmt.Errorf("no choices"))
	}

	choice := in.Choices[0]
	resp := &Response{
		ID:         in.ID,
		Model:      in.Model,
		StopReason: finishReasonToStop(choice.FinishReason),
		Usage:      in.Usage.canonical(),
	}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		resp.Content = append(resp.Content, Block{Type: BlockText, Text: *choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Content = append(resp.Content, Block{
			Type:  BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: rawObject([]byte(tc.Function.Arguments)),
		})
	}
	if resp.StopReason == "" {
		resp.StopReason = StopEndTurn
	}
	return resp, nil
}

func (chatCodec) encodeResponse(resp *Response) ([]byte, error) {
	msg := chatOutMessage{Role: "assistant"}
	if text := resp.text(); text != "" || !resp.hasToolUse() {
		msg.Content = &text
	}
	for _, b := range resp.Content {
		if b.Type == BlockToolUse {
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: chatFunctionCall{Name: b.Name, Arguments: string(rawObject(b.Input))},
			})
		}
	}

	out := chatResponse{
		ID:      chatID(resp.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: stopToFinishReason(resp.StopReason),
		}},
		Usage: chatUsageFrom(resp.Usage),
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat response: %w", err)
	}
	return body, nil
}

func chatID(id string) string {
	if strings.HasPrefix(id, "chatcmpl-") {
		return id
	}
	if id == "" {
		return newID("chatcmpl-")
	}
	return "chatcmpl-" + id
}

// =============================================================================
// ERRORS
// =============================================================================

func openAIErrorType(status int) string {
	switch {
	case status == 401:
		return "authentication_error"
	case status == 404:
		return "not_found_error"
	case status == 429:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

func openAIErrorPayload(errType, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"param":   nil,
			"code":    nil,
		},
	})
	return body
}

func openAIErrorBody(status int, message string) []byte {
	return openAIErrorPayload(openAIErrorType(status), message)
}

func chatErrorFrame(message string) sse.Frame {
	return sse.Event("error", openAIErrorPayload("server_error", message))
}
