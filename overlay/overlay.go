// Package overlay keeps a session's system instructions in the agent's
// persistent memory, writing them only when they change.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/gliderlab/overlaygate/letta"
	"github.com/gliderlab/overlaygate/pkg/fingerprint"
	"github.com/gliderlab/overlaygate/session"
)

// ErrWriteFailed marks a failed remote overlay write. The turn continues in fallback mode.
var ErrWriteFailed = errors.New("overlay write failed")

// DefaultLabel is the memory block label owned by the gateway.
const DefaultLabel = "proxy_system_overlay"

// InlinePrefix introduces instructions carried inside the conversation in fallback mode.
const InlinePrefix = "[Proxy System Overlay]: "

// Action is the outcome of a reconciliation.
type Action int

const (
	None Action = iota
	Updated
	Created
	Fallback
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case Updated:
		return "updated"
	case Created:
		return "created"
	case Fallback:
		return "fallback"
	}
	return "unknown"
}

// Result of Reconcile. Inline is set only for Fallback.
type Result struct {
	Action  Action
	BlockID string
	Inline  string
	Err     error
}

// BlockStore is the slice of the platform API the reconciler needs.
type BlockStore interface {
	FindBlock(ctx context.Context, agentID, label string) (*letta.Block, error)
	CreateBlock(ctx context.Context, b letta.Block) (*letta.Block, error)
	UpdateBlock(ctx context.Context, blockID, value string, limit int) error
	AttachBlock(ctx context.Context, agentID, blockID string) error
}

// Reconciler writes instruction text into an agent memory block.
type Reconciler struct {
	blocks BlockStore
	label  string
}

// NewReconciler creates a reconciler. An empty label uses DefaultLabel.
func NewReconciler(blocks BlockStore, label string) *Reconciler {
	if label == "" {
		label = DefaultLabel
	}
	return &Reconciler{blocks: blocks, label: label}
}

// Inline formats instruction text for fallback delivery.
func Inline(text string) string {
	return InlinePrefix + fingerprint.Normalize(text)
}

// Reconcile brings the remote overlay in line with text.
// The caller must hold the session lock for rec.
func (r *Reconciler) Reconcile(ctx context.Context, rec *session.Record, text string) Result {
	text = fingerprint.Normalize(text)
	if strings.TrimSpace(text) == "" {
		return Result{Action: None}
	}
	h := fingerprint.Of(text)
	st := rec.State()

	// Unchanged text: nothing to write. After a failure the same text is not retried.
	if st.LastInstructionHash == h && (st.OverlayBlockID != "" || st.FallbackUsed) {
		return Result{Action: None, BlockID: st.OverlayBlockID}
	}

	limit := utf8.RuneCountInString(text)
	blockID, action, err := r.write(ctx, rec, st.OverlayBlockID, text, limit)
	if err != nil {
		log.Printf("[Overlay] write failed session=%s agent=%s, using inline fallback: %v", rec.ID, rec.AgentID, err)
		rec.Update(func(s *session.State) {
			s.FallbackUsed = true
			s.LastInstructionHash = h
			s.PendingInline = true
		})
		return Result{
			Action: Fallback,
			Inline: Inline(text),
			Err:    fmt.Errorf("%w: session %s: %w", ErrWriteFailed, rec.ID, err),
		}
	}

	rec.Update(func(s *session.State) {
		s.OverlayBlockID = blockID
		s.LastInstructionHash = h
		s.PendingInline = false
	})
	log.Printf("[Overlay] %s block=%s session=%s agent=%s chars=%d", action, blockID, rec.ID, rec.AgentID, limit)
	return Result{Action: action, BlockID: blockID}
}

func (r *Reconciler) write(ctx context.Context, rec *session.Record, knownID, text string, limit int) (string, Action, error) {
	if knownID != "" {
		err := r.blocks.UpdateBlock(ctx, knownID, text, limit)
		if err == nil {
			return knownID, Updated, nil
		}
		if !letta.IsNotFound(err) {
			return "", Fallback, err
		}
		// Block was removed remotely; look it up again or recreate it.
	}

	existing, err := r.blocks.FindBlock(ctx, rec.AgentID, r.label)
	if err != nil {
		return "", Fallback, fmt.Errorf("find block: %w", err)
	}
	if existing != nil {
		if err := r.blocks.UpdateBlock(ctx, existing.ID, text, limit); err != nil {
			return "", Fallback, fmt.Errorf("update block %s: %w", existing.ID, err)
		}
		return existing.ID, Updated, nil
	}

	created, err := r.blocks.CreateBlock(ctx, letta.Block{
		Label:    r.label,
		Value:    text,
		Limit:    limit,
		ReadOnly: true,
		Metadata: map[string]any{"proxy_overlay_session": rec.ID},
	})
	if err != nil {
		return "", Fallback, fmt.Errorf("create block: %w", err)
	}
	if created == nil || created.ID == "" {
		return "", Fallback, errors.New("create block: empty block id")
	}
	if err := r.blocks.AttachBlock(ctx, rec.AgentID, created.ID); err != nil {
		return "", Fallback, fmt.Errorf("attach block %s: %w", created.ID, err)
	}
	return created.ID, Created, nil
}
