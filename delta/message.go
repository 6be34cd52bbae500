package delta

import (
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Role is the closed set of conversation roles the resolver understands.
type Role int

const (
	RoleUnknown Role = iota
	RoleSystem
	RoleUser
	RoleAssistant
	RoleTool
)

// ParseRole maps a wire role to a Role. "developer" is treated as system.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case openai.ChatMessageRoleSystem, openai.ChatMessageRoleDeveloper:
		return RoleSystem
	case openai.ChatMessageRoleUser:
		return RoleUser
	case openai.ChatMessageRoleAssistant:
		return RoleAssistant
	case openai.ChatMessageRoleTool, openai.ChatMessageRoleFunction:
		return RoleTool
	}
	return RoleUnknown
}

func (r Role) String() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleTool:
		return "tool"
	}
	return "unknown"
}

// Message is one entry of the client-supplied history. Content stays raw
// because clients send strings, part arrays or null.
type Message struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content,omitempty"`
	Name       string            `json:"name,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []openai.ToolCall `json:"tool_calls,omitempty"`
}

// Text flattens the content. Text parts and bare strings are concatenated;
// parts of other types (images, audio) are ignored.
func (m Message) Text() string {
	return ContentText(m.Content)
}

// ContentText flattens a raw content value.
func ContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case 'n':
		return ""
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	case '[':
		var parts []json.RawMessage
		if json.Unmarshal(raw, &parts) != nil {
			return ""
		}
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(partText(p))
		}
		return b.String()
	}
	// Numbers, booleans and objects are rendered verbatim.
	return string(raw)
}

func partText(p json.RawMessage) string {
	if len(p) == 0 {
		return ""
	}
	if p[0] == '"' {
		var s string
		_ = json.Unmarshal(p, &s)
		return s
	}
	var part struct {
		Type    string  `json:"type"`
		Text    *string `json:"text"`
		Content *string `json:"content"`
	}
	if json.Unmarshal(p, &part) != nil {
		return ""
	}
	if part.Type == "text" && part.Text != nil {
		return *part.Text
	}
	if part.Content != nil {
		return *part.Content
	}
	return ""
}

// TextContent builds a raw string content value.
func TextContent(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// ToolResult is an out-of-band tool execution result supplied by the client.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Payload returns the JSON encoding of the result, as forwarded to the agent.
func (r ToolResult) Payload() string {
	if len(r.Result) == 0 {
		return `""`
	}
	return string(r.Result)
}

// SystemText joins every non-empty system message with a blank line.
func SystemText(history []Message) string {
	var chunks []string
	for _, m := range history {
		if ParseRole(m.Role) != RoleSystem {
			continue
		}
		if t := m.Text(); t != "" {
			chunks = append(chunks, t)
		}
	}
	return strings.Join(chunks, "\n\n")
}
