// Package delta computes the minimal set of new messages to forward to a
// stateful agent from a full client-side conversation history.
package delta

import (
	"github.com/gliderlab/overlaygate/pkg/fingerprint"
	"github.com/gliderlab/overlaygate/session"
)

// Kind identifies an entry of a Delta.
type Kind int

const (
	KindInline Kind = iota
	KindToolResult
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindInline:
		return "inline"
	case KindToolResult:
		return "tool_result"
	case KindUser:
		return "user"
	}
	return "unknown"
}

// Entry is one message to forward.
type Entry struct {
	Kind       Kind
	Text       string
	ToolCallID string
	// Folded holds the original role when an unrecognized message was folded into a user entry.
	Folded string
}

// Delta is the ordered payload for one agent invocation:
// inline instructions, then tool results, then user input.
type Delta struct {
	Entries []Entry
	// UserFingerprint is set when the latest user message is part of this delta.
	UserFingerprint string
}

// Empty reports whether there is nothing to send. Inline instructions alone do not count.
func (d Delta) Empty() bool {
	for _, e := range d.Entries {
		if e.Kind != KindInline {
			return false
		}
	}
	return true
}

// WithInline returns a copy with an inline instruction entry at the front.
func (d Delta) WithInline(text string) Delta {
	entries := make([]Entry, 0, len(d.Entries)+1)
	entries = append(entries, Entry{Kind: KindInline, Text: text})
	entries = append(entries, d.Entries...)
	d.Entries = entries
	return d
}

// ToolCallIDs returns the call ids of tool result entries, in order.
func (d Delta) ToolCallIDs() []string {
	var ids []string
	for _, e := range d.Entries {
		if e.Kind == KindToolResult {
			ids = append(ids, e.ToolCallID)
		}
	}
	return ids
}

// FoldPrefix marks messages with an unrecognized role that were forwarded as user text.
func FoldPrefix(role string) string {
	return "[role:" + role + "] "
}

// Resolve picks what the agent has not seen yet.
//
// System messages are never forwarded. Out-of-band results come first, then
// tool messages newer than the latest assistant message (all of them when the
// history has no assistant message), skipping call ids already forwarded.
// Messages with unrecognized roles after the latest assistant message are
// folded into user entries. The latest user message is forwarded unless it
// predates the latest assistant message and was already forwarded, as recorded
// in st.LastUserFingerprint.
func Resolve(st session.State, history []Message, results []ToolResult) Delta {
	var d Delta
	seen := make(map[string]bool)

	for _, r := range results {
		if r.ToolCallID != "" {
			seen[r.ToolCallID] = true
		}
		d.Entries = append(d.Entries, Entry{Kind: KindToolResult, Text: r.Payload(), ToolCallID: r.ToolCallID})
	}

	lastAssistant, lastUser := -1, -1
	for i, m := range history {
		switch ParseRole(m.Role) {
		case RoleAssistant:
			lastAssistant = i
		case RoleUser:
			lastUser = i
		}
	}

	var folded []Entry
	for i := lastAssistant + 1; i < len(history); i++ {
		m := history[i]
		switch ParseRole(m.Role) {
		case RoleTool:
			if m.ToolCallID != "" && seen[m.ToolCallID] {
				continue
			}
			if m.ToolCallID != "" {
				seen[m.ToolCallID] = true
			}
			d.Entries = append(d.Entries, Entry{Kind: KindToolResult, Text: m.Text(), ToolCallID: m.ToolCallID})
		case RoleUnknown:
			text := m.Text()
			if text == "" {
				continue
			}
			folded = append(folded, Entry{Kind: KindUser, Text: FoldPrefix(m.Role) + text, Folded: m.Role})
		}
	}
	d.Entries = append(d.Entries, folded...)

	if lastUser >= 0 {
		text := history[lastUser].Text()
		fp := fingerprint.Of(text)
		alreadySent := lastUser < lastAssistant && fp == st.LastUserFingerprint
		if text != "" && !alreadySent {
			d.Entries = append(d.Entries, Entry{Kind: KindUser, Text: text})
			d.UserFingerprint = fp
		}
	}
	return d
}
