package letta

import (
	"encoding/json"
	"strings"
)

// Agent is a platform agent. Agents are exposed to clients as models.
type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Block is a core memory block.
type Block struct {
	ID       string         `json:"id,omitempty"`
	Label    string         `json:"label"`
	Value    string         `json:"value"`
	Limit    int            `json:"limit,omitempty"`
	ReadOnly bool           `json:"read_only,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BlockUpdate is a partial block modification.
type BlockUpdate struct {
	Value *string `json:"value,omitempty"`
	Limit *int    `json:"limit,omitempty"`
}

// Tool is a tool definition registered on the platform.
type Tool struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	SourceType  string          `json:"source_type,omitempty"`
	JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
}

// HasTag reports whether the tool carries tag.
func (t Tool) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// ToolUpsert creates or replaces a tool by name.
type ToolUpsert struct {
	SourceCode  string          `json:"source_code"`
	SourceType  string          `json:"source_type"`
	Description string          `json:"description"`
	JSONSchema  json.RawMessage `json:"json_schema"`
	Tags        []string        `json:"tags,omitempty"`
}

// TextContent is a text content part.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MessageCreate is an inbound message for an agent.
type MessageCreate struct {
	Role       string        `json:"role"`
	Content    []TextContent `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// NewMessage builds a single-part text message.
func NewMessage(role, text string) MessageCreate {
	return MessageCreate{Role: role, Content: []TextContent{{Type: "text", Text: text}}}
}

// Text returns the concatenated text of all parts.
func (m MessageCreate) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Message types emitted by the platform.
const (
	TypeReasoning  = "reasoning_message"
	TypeAssistant  = "assistant_message"
	TypeToolCall   = "tool_call_message"
	TypeToolReturn = "tool_return_message"
	TypeStopReason = "stop_reason"
	TypeUsage      = "usage_statistics"
	TypeError      = "error_message"
	TypePing       = "ping"
)

// ToolCall is a (possibly partial, when streamed) tool invocation by the agent.
type ToolCall struct {
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Content decodes either a plain string or a list of text parts.
type Content string

func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content(s)
		return nil
	}
	var parts []TextContent
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	*c = Content(b.String())
	return nil
}

// Message is one platform output message or stream event.
type Message struct {
	ID          string     `json:"id,omitempty"`
	MessageType string     `json:"message_type"`
	Content     Content    `json:"content,omitempty"`
	Reasoning   string     `json:"reasoning,omitempty"`
	ToolCall    *ToolCall  `json:"tool_call,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	ToolReturn  string     `json:"tool_return,omitempty"`
	ToolCallID  string     `json:"tool_call_id,omitempty"`
	Status      string     `json:"status,omitempty"`
	StopReason  string     `json:"stop_reason,omitempty"`

	// usage_statistics
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	// error_message
	Error  json.RawMessage `json:"error,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// ErrorText flattens an error payload, which may be a string or an object.
func (m Message) ErrorText() string {
	if len(m.Error) > 0 {
		var s string
		if json.Unmarshal(m.Error, &s) == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		if json.Unmarshal(m.Error, &obj) == nil && (obj.Message != "" || obj.Detail != "") {
			return strings.TrimSpace(obj.Message + " " + obj.Detail)
		}
		return string(m.Error)
	}
	if m.Detail != "" {
		return m.Detail
	}
	return "unknown platform error"
}

// Calls returns every tool call carried by a tool_call_message.
func (m Message) Calls() []ToolCall {
	if m.ToolCall != nil {
		return append([]ToolCall{*m.ToolCall}, m.ToolCalls...)
	}
	return m.ToolCalls
}

// Usage is token accounting for one agent invocation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	StepCount        int `json:"step_count,omitempty"`
}

// StopReason explains why the agent stopped.
type StopReason struct {
	StopReason string `json:"stop_reason"`
}

// Response is the result of a non-streaming agent invocation.
type Response struct {
	Messages   []Message   `json:"messages"`
	StopReason *StopReason `json:"stop_reason,omitempty"`
	Usage      *Usage      `json:"usage,omitempty"`
}
