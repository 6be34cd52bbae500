package proxy

import "fmt"

// State is a step of a turn.
type State int

const (
	StateInit State = iota
	StateOverlayReconciled
	StateToolsSynced
	StateDeltaResolved
	StateAgentInvoked
	StateTranslated
	StateDone
	StateEarlyEmpty
	StateFailed
)

var stateNames = [...]string{
	StateInit:              "INIT",
	StateOverlayReconciled: "OVERLAY_RECONCILED",
	StateToolsSynced:       "TOOLS_SYNCED",
	StateDeltaResolved:     "DELTA_RESOLVED",
	StateAgentInvoked:      "AGENT_INVOKED",
	StateTranslated:        "TRANSLATED",
	StateDone:              "DONE",
	StateEarlyEmpty:        "EARLY_EMPTY_RESPONSE",
	StateFailed:            "FAILED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateEarlyEmpty || s == StateFailed
}

// next lists the forward transitions. FAILED is reachable from any non-terminal state.
var next = map[State][]State{
	StateInit:              {StateOverlayReconciled},
	StateOverlayReconciled: {StateToolsSynced},
	StateToolsSynced:       {StateDeltaResolved},
	StateDeltaResolved:     {StateAgentInvoked, StateEarlyEmpty},
	StateAgentInvoked:      {StateTranslated},
	StateTranslated:        {StateDone},
}

// Turn tracks the state of one request through the pipeline.
type Turn struct {
	state State
	trail []State
}

func newTurn() *Turn {
	return &Turn{state: StateInit, trail: []State{StateInit}}
}

// State returns the current state.
func (t *Turn) State() State { return t.state }

// Trail returns every state visited, in order.
func (t *Turn) Trail() []State {
	return append([]State(nil), t.trail...)
}

// advance moves to s. An illegal transition is a programming error and panics.
func (t *Turn) advance(s State) {
	if !t.can(s) {
		panic(fmt.Sprintf("proxy: illegal turn transition %s -> %s", t.state, s))
	}
	t.state = s
	t.trail = append(t.trail, s)
}

func (t *Turn) can(s State) bool {
	if t.state.Terminal() {
		return false
	}
	if s == StateFailed {
		return true
	}
	for _, n := range next[t.state] {
		if n == s {
			return true
		}
	}
	return false
}

// fail moves to FAILED unless the turn already ended.
func (t *Turn) fail() {
	if !t.state.Terminal() {
		t.advance(StateFailed)
	}
}
