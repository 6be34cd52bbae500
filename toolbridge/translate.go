package toolbridge

import (
	"log"
	"strconv"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/overlaygate/delta"
	"github.com/gliderlab/overlaygate/letta"
)

// InternalCall is a call the agent made to one of its own tools.
// It is never surfaced to the client as a tool call.
type InternalCall struct {
	Name      string
	Arguments string
	// First is true for the first piece of a streamed call.
	First bool
}

type callState struct {
	clientID string
	index    int
	name     string
	surfaced bool
}

// Invocation translates the tool calls of one agent invocation.
// It is not safe for concurrent use.
type Invocation struct {
	id       string
	agentID  string
	bindings map[string]Binding
	ledger   *Ledger

	calls      map[string]*callState // remote call id -> state
	lastRemote string
	surfaced   int
	anon       int
}

// NewInvocation starts translating calls for one agent invocation.
func (b *Bridge) NewInvocation(agentID string, bindings map[string]Binding) *Invocation {
	return &Invocation{
		id:       uuid.NewString(),
		agentID:  agentID,
		bindings: bindings,
		ledger:   b.ledger,
		calls:    make(map[string]*callState),
	}
}

// ID identifies the invocation in the ledger.
func (inv *Invocation) ID() string { return inv.id }

// Surfaced returns how many distinct calls were handed to the client.
func (inv *Invocation) Surfaced() int { return inv.surfaced }

// Abandon releases the ledger entries of calls the client never received.
func (inv *Invocation) Abandon() int {
	return inv.ledger.Release(inv.id)
}

// Translate maps one (possibly partial) agent tool call. Exactly one of the
// results is non-nil unless the piece carries nothing. The first piece of a
// surfaced call carries the fresh client id, type and name; later pieces carry
// only the index and the argument fragment.
func (inv *Invocation) Translate(call letta.ToolCall) (*openai.ToolCall, *InternalCall) {
	remoteID := call.ToolCallID
	if remoteID == "" {
		if call.Name == "" && inv.lastRemote != "" {
			remoteID = inv.lastRemote
		} else {
			inv.anon++
			remoteID = "anon-" + strconv.Itoa(inv.anon)
		}
	}
	inv.lastRemote = remoteID

	st, seen := inv.calls[remoteID]
	if !seen {
		name := call.Name
		_, ephemeral := inv.bindings[name]
		st = &callState{name: name, surfaced: ephemeral}
		if ephemeral {
			st.clientID = NewCallID()
			st.index = inv.surfaced
			inv.surfaced++
			inv.ledger.record(st.clientID, remoteID, name, inv.agentID, inv.id)
		}
		inv.calls[remoteID] = st
	}

	if !st.surfaced {
		if seen && call.Arguments == "" {
			return nil, nil
		}
		return nil, &InternalCall{Name: st.name, Arguments: call.Arguments, First: !seen}
	}

	index := st.index
	tc := &openai.ToolCall{
		Index:    &index,
		Function: openai.FunctionCall{Arguments: call.Arguments},
	}
	if !seen {
		tc.ID = st.clientID
		tc.Type = openai.ToolTypeFunction
		tc.Function.Name = st.name
	} else if call.Arguments == "" {
		return nil, nil
	}
	return tc, nil
}

// ToClient maps complete agent tool calls. Surfaced calls are merged per call
// and their arguments checked against the declared schema.
func (inv *Invocation) ToClient(calls []letta.ToolCall) ([]openai.ToolCall, []InternalCall) {
	var (
		out      []openai.ToolCall
		internal []InternalCall
	)
	for _, c := range calls {
		tc, ic := inv.Translate(c)
		switch {
		case tc != nil && tc.ID != "":
			out = append(out, *tc)
		case tc != nil:
			for i := range out {
				if out[i].Index != nil && *out[i].Index == *tc.Index {
					out[i].Function.Arguments += tc.Function.Arguments
				}
			}
		case ic != nil && ic.First:
			internal = append(internal, *ic)
		case ic != nil && len(internal) > 0:
			internal[len(internal)-1].Arguments += ic.Arguments
		}
	}
	for _, tc := range out {
		if b, ok := inv.bindings[tc.Function.Name]; ok && b.Definition != nil {
			if err := b.Definition.ValidateArguments(tc.Function.Arguments); err != nil {
				log.Printf("[WARN] [Tools] agent=%s call to %s does not match its schema: %v", inv.agentID, tc.Function.Name, err)
			}
		}
	}
	return out, internal
}

// ToRemote builds the agent payload for a delta. Client call ids are mapped
// back to the agent's call ids; unknown ids pass through unchanged.
func (b *Bridge) ToRemote(d delta.Delta) []letta.MessageCreate {
	msgs := make([]letta.MessageCreate, 0, len(d.Entries))
	for _, e := range d.Entries {
		switch e.Kind {
		case delta.KindInline, delta.KindUser:
			msgs = append(msgs, letta.NewMessage("user", e.Text))
		case delta.KindToolResult:
			callID := e.ToolCallID
			if remote, ok := b.ledger.Resolve(callID); ok {
				callID = remote
			}
			m := letta.NewMessage("tool", e.Text)
			m.ToolCallID = callID
			msgs = append(msgs, m)
		}
	}
	return msgs
}
