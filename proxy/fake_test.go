package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/overlaygate/delta"
	"github.com/gliderlab/overlaygate/letta"
	"github.com/gliderlab/overlaygate/overlay"
	"github.com/gliderlab/overlaygate/session"
	"github.com/gliderlab/overlaygate/toolbridge"
)

// fakePlatform is an in-memory agent platform.
type fakePlatform struct {
	mu sync.Mutex

	agents    []letta.Agent
	listCalls int
	listErr   error

	blocks         map[string]letta.Block
	attachedBlocks map[string][]string
	blockErr       error
	nextID         int

	tools         map[string]letta.Tool
	attachedTools map[string][]string
	upsertErr     map[string]error

	sent    [][]letta.MessageCreate
	reply   *letta.Response
	stream  []letta.Message
	sendErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		agents:         []letta.Agent{{ID: "agent-1", Name: "helper"}},
		blocks:         make(map[string]letta.Block),
		attachedBlocks: make(map[string][]string),
		tools:          make(map[string]letta.Tool),
		attachedTools:  make(map[string][]string),
		upsertErr:      make(map[string]error),
		reply: &letta.Response{
			Messages: []letta.Message{{MessageType: letta.TypeAssistant, Content: "hello"}},
			Usage:    &letta.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		},
	}
}

func (f *fakePlatform) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakePlatform) ListAgents(ctx context.Context) ([]letta.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]letta.Agent(nil), f.agents...), nil
}

func (f *fakePlatform) FindBlock(ctx context.Context, agentID, label string) (*letta.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.attachedBlocks[agentID] {
		if b := f.blocks[id]; b.Label == label {
			return &b, nil
		}
	}
	return nil, nil
}

func (f *fakePlatform) CreateBlock(ctx context.Context, b letta.Block) (*letta.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	b.ID = f.id("block")
	f.blocks[b.ID] = b
	return &b, nil
}

func (f *fakePlatform) UpdateBlock(ctx context.Context, blockID, value string, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return f.blockErr
	}
	b, ok := f.blocks[blockID]
	if !ok {
		return &letta.APIError{Method: "PATCH", Path: "/v1/blocks/" + blockID, Status: 404}
	}
	b.Value, b.Limit = value, limit
	f.blocks[blockID] = b
	return nil
}

func (f *fakePlatform) AttachBlock(ctx context.Context, agentID, blockID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachedBlocks[agentID] = append(f.attachedBlocks[agentID], blockID)
	return nil
}

func (f *fakePlatform) ListAttachedTools(ctx context.Context, agentID string) ([]letta.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []letta.Tool
	for _, id := range f.attachedTools[agentID] {
		out = append(out, f.tools[id])
	}
	return out, nil
}

func (f *fakePlatform) UpsertTool(ctx context.Context, t letta.ToolUpsert) (*letta.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var schema struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(t.JSONSchema, &schema); err != nil {
		return nil, err
	}
	if err := f.upsertErr[schema.Name]; err != nil {
		return nil, err
	}
	for id, existing := range f.tools {
		if existing.Name == schema.Name {
			existing.Tags = t.Tags
			f.tools[id] = existing
			return &existing, nil
		}
	}
	tool := letta.Tool{ID: f.id("tool"), Name: schema.Name, Tags: t.Tags}
	f.tools[tool.ID] = tool
	return &tool, nil
}

func (f *fakePlatform) AttachTool(ctx context.Context, agentID, toolID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachedTools[agentID] = append(f.attachedTools[agentID], toolID)
	return nil
}

func (f *fakePlatform) DetachTool(ctx context.Context, agentID, toolID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.attachedTools[agentID][:0]
	for _, id := range f.attachedTools[agentID] {
		if id != toolID {
			ids = append(ids, id)
		}
	}
	f.attachedTools[agentID] = ids
	return nil
}

func (f *fakePlatform) addInternalTool(agentID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := letta.Tool{ID: f.id("tool"), Name: name}
	f.tools[t.ID] = t
	f.attachedTools[agentID] = append(f.attachedTools[agentID], t.ID)
}

func (f *fakePlatform) SendMessages(ctx context.Context, agentID string, msgs []letta.MessageCreate) (*letta.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, msgs)
	return f.reply, nil
}

func (f *fakePlatform) StreamMessages(ctx context.Context, agentID string, msgs []letta.MessageCreate, fn func(letta.Message) error) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, msgs)
	events := append([]letta.Message(nil), f.stream...)
	f.mu.Unlock()
	for _, m := range events {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakePlatform) lastSent(t *testing.T) []letta.MessageCreate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("Expected the agent to be invoked")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakePlatform) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	orch   *Orchestrator
	plat   *fakePlatform
	store  *session.Store
	bridge *toolbridge.Bridge
	audit  *memAudit
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) RecordEvent(sessionID, agentID, kind, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, kind)
	return nil
}

func (m *memAudit) has(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.events {
		if k == kind {
			return true
		}
	}
	return false
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	plat := newFakePlatform()
	store := session.NewStore(session.Options{Capacity: 10, TTL: time.Hour})
	bridge := toolbridge.New(plat, toolbridge.Options{CallTTL: time.Hour})
	audit := &memAudit{}
	orch := New(plat, Options{
		Store:      store,
		Reconciler: overlay.NewReconciler(plat, ""),
		Bridge:     bridge,
		Agents:     NewDirectory(plat, time.Minute),
		Audit:      audit,
	})
	return &harness{orch: orch, plat: plat, store: store, bridge: bridge, audit: audit}
}

func msg(role, text string) delta.Message {
	return delta.Message{Role: role, Content: delta.TextContent(text)}
}

func weatherTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        "get_weather",
			Description: "Current weather",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		},
	}
}

var errBoom = errors.New("boom")
