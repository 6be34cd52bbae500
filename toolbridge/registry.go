// Package toolbridge exposes client-declared tools to an agent that only
// runs pre-attached tools. Each client tool becomes an ephemeral proxy tool
// on the agent; calls to it are surfaced back to the client, and the
// client's results are routed back to the agent.
package toolbridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/overlaygate/letta"
)

// ErrPartialSync marks a sync where at least one tool could not be added or removed.
var ErrPartialSync = errors.New("tool sync partial failure")

// DefaultTag marks every proxy tool created by the bridge.
const DefaultTag = "proxy-ephemeral"

// ToolAPI is the slice of the platform API the bridge needs.
type ToolAPI interface {
	ListAttachedTools(ctx context.Context, agentID string) ([]letta.Tool, error)
	UpsertTool(ctx context.Context, t letta.ToolUpsert) (*letta.Tool, error)
	AttachTool(ctx context.Context, agentID, toolID string) error
	DetachTool(ctx context.Context, agentID, toolID string) error
}

// DefinitionCache remembers remote tool ids by definition fingerprint.
type DefinitionCache interface {
	ToolID(defFingerprint string) (string, bool)
	RememberToolID(defFingerprint, toolID string, ttl time.Duration) error
	ForgetToolID(defFingerprint string) error
}

// Binding ties a client tool name to the remote proxy tool.
type Binding struct {
	ClientToolName string
	RemoteToolID   string
	Definition     *Definition
}

// Failure is one tool that could not be synced.
type Failure struct {
	Tool string
	Op   string // validate, detach, upsert, attach
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.Tool, f.Err)
}

// SyncResult describes one reconciliation of the agent's ephemeral tools.
type SyncResult struct {
	Added    []string
	Removed  []string
	Updated  []string
	Bindings map[string]Binding // client tool name -> binding, for every synced tool
	Failures []Failure
	// Cached is true when the requested set matched the last known state and nothing was called.
	Cached bool
}

// Err joins all failures under ErrPartialSync, or returns nil.
func (r SyncResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures)+1)
	errs = append(errs, ErrPartialSync)
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// FailedTools lists the names of tools that failed, in order.
func (r SyncResult) FailedTools() []string {
	names := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		names = append(names, f.Tool)
	}
	return names
}

// Options configures a Bridge.
type Options struct {
	Tag      string          // Tag carried by proxy tools (default: proxy-ephemeral)
	Cache    DefinitionCache // Optional remote tool id cache
	CacheTTL time.Duration   // Cache entry lifetime
	CallTTL  time.Duration   // Pending client call lifetime
}

type agentTools struct {
	sem   chan struct{}
	known map[string]Binding // last successfully synced set
	valid bool
}

// Bridge keeps each agent's ephemeral tools in line with the tools a client declares.
type Bridge struct {
	api      ToolAPI
	tag      string
	cache    DefinitionCache
	cacheTTL time.Duration
	ledger   *Ledger

	mu     sync.Mutex
	agents map[string]*agentTools
}

// New creates a bridge.
func New(api ToolAPI, opts Options) *Bridge {
	if opts.Tag == "" {
		opts.Tag = DefaultTag
	}
	return &Bridge{
		api:      api,
		tag:      opts.Tag,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		ledger:   NewLedger(opts.CallTTL),
		agents:   make(map[string]*agentTools),
	}
}

// Ledger returns the pending call ledger shared by all invocations.
func (b *Bridge) Ledger() *Ledger { return b.ledger }

func (b *Bridge) agent(agentID string) *agentTools {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[agentID]
	if !ok {
		a = &agentTools{sem: make(chan struct{}, 1)}
		b.agents[agentID] = a
	}
	return a
}

// Sync makes the agent's ephemeral tools equal the requested set.
// An empty set detaches every ephemeral tool. Agent-internal tools are never touched.
// Failures are reported per tool; nothing is rolled back.
func (b *Bridge) Sync(ctx context.Context, agentID string, requested []openai.Tool) (SyncResult, error) {
	a := b.agent(agentID)
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
	defer func() { <-a.sem }()

	res := SyncResult{Bindings: make(map[string]Binding)}

	want := make(map[string]*Definition, len(requested))
	var order []string
	for _, t := range requested {
		name := ""
		if t.Function != nil {
			name = t.Function.Name
		}
		def, err := ParseDefinition(t)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Tool: name, Op: "validate", Err: err})
			continue
		}
		if _, dup := want[def.Name]; dup {
			res.Failures = append(res.Failures, Failure{Tool: def.Name, Op: "validate", Err: errors.New("duplicate tool name")})
			continue
		}
		want[def.Name] = def
		order = append(order, def.Name)
	}

	if a.valid && len(res.Failures) == 0 && sameDefinitions(a.known, want) {
		for name, bnd := range a.known {
			res.Bindings[name] = bnd
		}
		res.Cached = true
		return res, nil
	}

	attached, err := b.api.ListAttachedTools(ctx, agentID)
	if err != nil {
		a.valid = false
		return res, fmt.Errorf("list tools for agent %s: %w", agentID, err)
	}

	current := make(map[string]letta.Tool)
	internal := make(map[string]bool)
	for _, t := range attached {
		if t.HasTag(b.tag) {
			current[t.Name] = t
		} else {
			internal[t.Name] = true
		}
	}

	// Detach ephemeral tools the client no longer declares.
	removeNames := make([]string, 0)
	for name := range current {
		if _, ok := want[name]; !ok {
			removeNames = append(removeNames, name)
		}
	}
	sort.Strings(removeNames)
	for _, name := range removeNames {
		if err := b.api.DetachTool(ctx, agentID, current[name].ID); err != nil {
			res.Failures = append(res.Failures, Failure{Tool: name, Op: "detach", Err: err})
			continue
		}
		res.Removed = append(res.Removed, name)
	}

	for _, name := range order {
		def := want[name]
		if internal[name] {
			res.Failures = append(res.Failures, Failure{Tool: name, Op: "validate", Err: errors.New("name collides with an agent tool")})
			continue
		}

		if existing, ok := current[name]; ok {
			known, seen := a.known[name]
			if !seen || known.Definition == nil || known.Definition.Fingerprint == def.Fingerprint {
				// Same name already attached; definition unchanged or not tracked by this process.
				res.Bindings[name] = Binding{ClientToolName: name, RemoteToolID: existing.ID, Definition: def}
				continue
			}
			id, err := b.replace(ctx, agentID, existing.ID, def)
			if err != nil {
				res.Failures = append(res.Failures, asFailure(err, name, "upsert"))
				continue
			}
			res.Updated = append(res.Updated, name)
			res.Bindings[name] = Binding{ClientToolName: name, RemoteToolID: id, Definition: def}
			continue
		}

		id, err := b.add(ctx, agentID, def)
		if err != nil {
			res.Failures = append(res.Failures, asFailure(err, name, "attach"))
			continue
		}
		res.Added = append(res.Added, name)
		res.Bindings[name] = Binding{ClientToolName: name, RemoteToolID: id, Definition: def}
	}

	a.known = res.Bindings
	a.valid = len(res.Failures) == 0

	if len(res.Added)+len(res.Removed)+len(res.Updated) > 0 || len(res.Failures) > 0 {
		log.Printf("[Tools] synced agent=%s added=%v removed=%v updated=%v failed=%v",
			agentID, res.Added, res.Removed, res.Updated, res.FailedTools())
	}
	return res, nil
}

// Cleanup detaches every ephemeral tool from the agent.
func (b *Bridge) Cleanup(ctx context.Context, agentID string) (SyncResult, error) {
	return b.Sync(ctx, agentID, nil)
}

// add creates (or reuses) the proxy tool for def and attaches it. Errors are Failures.
func (b *Bridge) add(ctx context.Context, agentID string, def *Definition) (string, error) {
	if b.cache != nil {
		if id, ok := b.cache.ToolID(def.Fingerprint); ok {
			err := b.api.AttachTool(ctx, agentID, id)
			if err == nil {
				return id, nil
			}
			// Cached tool is gone or unusable; recreate it.
			log.Printf("[Tools] cached tool %s for %s rejected: %v", id, def.Name, err)
			_ = b.cache.ForgetToolID(def.Fingerprint)
		}
	}

	tool, err := b.upsert(ctx, def)
	if err != nil {
		return "", err
	}
	if err := b.api.AttachTool(ctx, agentID, tool.ID); err != nil {
		return "", Failure{Tool: def.Name, Op: "attach", Err: err}
	}
	return tool.ID, nil
}

// replace re-upserts a changed definition and swaps the attachment if the id changed.
func (b *Bridge) replace(ctx context.Context, agentID, oldID string, def *Definition) (string, error) {
	tool, err := b.upsert(ctx, def)
	if err != nil {
		return "", err
	}
	if tool.ID == oldID {
		return oldID, nil
	}
	if err := b.api.AttachTool(ctx, agentID, tool.ID); err != nil {
		return "", Failure{Tool: def.Name, Op: "attach", Err: err}
	}
	if err := b.api.DetachTool(ctx, agentID, oldID); err != nil {
		log.Printf("[WARN] [Tools] detach replaced tool %s failed: %v", oldID, err)
	}
	return tool.ID, nil
}

func (b *Bridge) upsert(ctx context.Context, def *Definition) (*letta.Tool, error) {
	src, err := ProxySource(def)
	if err != nil {
		return nil, Failure{Tool: def.Name, Op: "upsert", Err: err}
	}
	desc := def.Description
	if strings.TrimSpace(desc) == "" {
		desc = "Proxy tool for " + def.Name
	}
	tool, err := b.api.UpsertTool(ctx, letta.ToolUpsert{
		SourceCode:  src,
		SourceType:  "python",
		Description: desc,
		JSONSchema:  def.Schema,
		Tags:        []string{b.tag},
	})
	if err != nil {
		return nil, Failure{Tool: def.Name, Op: "upsert", Err: err}
	}
	if tool == nil || tool.ID == "" {
		return nil, Failure{Tool: def.Name, Op: "upsert", Err: errors.New("empty tool id")}
	}
	if b.cache != nil {
		if err := b.cache.RememberToolID(def.Fingerprint, tool.ID, b.cacheTTL); err != nil {
			log.Printf("[Tools] cache tool id failed: %v", err)
		}
	}
	return tool, nil
}

func asFailure(err error, tool, op string) Failure {
	var f Failure
	if errors.As(err, &f) {
		return f
	}
	return Failure{Tool: tool, Op: op, Err: err}
}

func sameDefinitions(known map[string]Binding, want map[string]*Definition) bool {
	if len(known) != len(want) {
		return false
	}
	for name, def := range want {
		b, ok := known[name]
		if !ok || b.Definition == nil || b.Definition.Fingerprint != def.Fingerprint {
			return false
		}
	}
	return true
}

// Invalidate forgets what the bridge knows about an agent's tools,
// forcing the next Sync to list them again.
func (b *Bridge) Invalidate(agentID string) {
	a := b.agent(agentID)
	a.sem <- struct{}{}
	a.valid = false
	a.known = nil
	<-a.sem
}
