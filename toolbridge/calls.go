package toolbridge

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewCallID returns a fresh client-facing tool call id.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type pendingCall struct {
	remoteID   string
	name       string
	agentID    string
	invocation string
	created    time.Time
}

// Ledger maps client call ids back to the agent's call ids until the
// client returns a result. Entries are consumed on use, released when the
// invocation that produced them was abandoned, or expired after a TTL.
type Ledger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]pendingCall
}

// NewLedger creates a ledger. ttl <= 0 disables expiry.
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{ttl: ttl, now: time.Now, entries: make(map[string]pendingCall)}
}

func (l *Ledger) record(clientID, remoteID, name, agentID, invocation string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[clientID] = pendingCall{
		remoteID:   remoteID,
		name:       name,
		agentID:    agentID,
		invocation: invocation,
		created:    l.now(),
	}
}

func (l *Ledger) expired(p pendingCall) bool {
	return l.ttl > 0 && l.now().Sub(p.created) > l.ttl
}

// Resolve consumes a client call id and returns the agent's call id.
// Expired entries are dropped and do not resolve.
func (l *Ledger) Resolve(clientID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.entries[clientID]
	if !ok {
		return "", false
	}
	delete(l.entries, clientID)
	if l.expired(p) {
		return "", false
	}
	return p.remoteID, true
}

// Release drops every entry produced by an invocation.
func (l *Ledger) Release(invocation string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, p := range l.entries {
		if p.invocation == invocation {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

// Sweep drops entries older than the TTL.
func (l *Ledger) Sweep() int {
	if l.ttl <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, p := range l.entries {
		if l.expired(p) {
			delete(l.entries, id)
			n++
		}
	}
	if n > 0 {
		log.Printf("[Tools] expired %d unanswered tool calls", n)
	}
	return n
}

// StartSweeper drops expired entries every interval until ctx is done.
func (l *Ledger) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || l.ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Len returns the number of pending calls.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
