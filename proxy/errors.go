package proxy

import (
	"errors"
	"fmt"
)

// Kind classifies a turn error. A Kind is itself an error so callers can
// match with errors.Is(err, proxy.AgentInvocationFailed).
type Kind string

const (
	OverlayWriteFailed     Kind = "overlay_write_failed"
	ToolSyncPartialFailure Kind = "tool_sync_partial_failure"
	AgentInvocationFailed  Kind = "agent_invocation_failed"
	UnknownMessageRole     Kind = "unknown_message_role"
	SessionStoreExhausted  Kind = "session_store_exhausted"
)

func (k Kind) Error() string { return string(k) }

var (
	// ErrUnknownModel is returned when the model names no known agent.
	ErrUnknownModel = errors.New("unknown model")
	// ErrNoMessages is returned for a request without messages.
	ErrNoMessages = errors.New("messages required")
)

// Error is a structured turn error.
type Error struct {
	Kind      Kind
	SessionID string
	AgentID   string
	Tool      string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Tool != "" {
		msg += " tool=" + e.Tool
	}
	if e.SessionID != "" {
		msg += " session=" + e.SessionID
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Fatal reports whether the error fails the request.
func (e *Error) Fatal() bool { return e.Kind == AgentInvocationFailed }
