package session

import (
	"context"
	"sync"
	"time"
)

// State is the mutable part of a session record.
type State struct {
	// OverlayBlockID is set only after a confirmed remote write.
	OverlayBlockID string
	// LastInstructionHash is the fingerprint of the last reconciled instruction text.
	LastInstructionHash string
	// FallbackUsed is sticky once an overlay write has failed.
	FallbackUsed bool
	// PendingInline marks a fallback injection that no agent call has carried yet.
	PendingInline bool
	// LastUserFingerprint identifies the last user message forwarded to the agent.
	LastUserFingerprint string
}

// Record is the per-conversation state kept between requests.
// ID and AgentID never change after creation.
type Record struct {
	ID        string
	AgentID   string
	CreatedAt time.Time

	mu    sync.Mutex
	state State

	// lastSeen is guarded by the owning Store's mutex.
	lastSeen time.Time

	// sem serializes overlay reconciliation and tool sync for this session.
	sem chan struct{}
}

func newRecord(id, agentID string, now time.Time) *Record {
	return &Record{
		ID:        id,
		AgentID:   agentID,
		CreatedAt: now,
		lastSeen:  now,
		sem:       make(chan struct{}, 1),
	}
}

// State returns a copy of the mutable fields.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Update applies fn to the mutable fields atomically.
func (r *Record) Update(fn func(*State)) {
	r.mu.Lock()
	fn(&r.state)
	r.mu.Unlock()
}

// Lock enters the session-scoped exclusion region. The returned func releases it.
func (r *Record) Lock(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-r.sem }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// View is a read-only snapshot of a record for diagnostics.
type View struct {
	SessionID       string    `json:"session_id"`
	AgentID         string    `json:"agent_id"`
	OverlayBlockID  string    `json:"overlay_block_id,omitempty"`
	InstructionHash string    `json:"last_instruction_hash,omitempty"`
	FallbackUsed    bool      `json:"fallback_used"`
	PendingInline   bool      `json:"pending_inline"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeen        time.Time `json:"last_seen"`
	IdleSeconds     int64     `json:"idle_seconds"`
}
