package proxy

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gliderlab/overlaygate/letta"
)

// AgentLister lists the platform's agents.
type AgentLister interface {
	ListAgents(ctx context.Context) ([]letta.Agent, error)
}

// Directory maps model names to agents. Lookups hit a cache; a miss or a
// stale cache triggers one shared refresh no matter how many callers wait.
type Directory struct {
	api AgentLister
	ttl time.Duration
	now func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	byName   map[string]letta.Agent
	byID     map[string]letta.Agent
	loadedAt time.Time

	reachable atomic.Bool
	onHealth  func(bool)
}

// NewDirectory creates a directory. A zero ttl caches until a miss.
func NewDirectory(api AgentLister, ttl time.Duration) *Directory {
	return &Directory{
		api:    api,
		ttl:    ttl,
		now:    time.Now,
		byName: make(map[string]letta.Agent),
		byID:   make(map[string]letta.Agent),
	}
}

// OnHealth registers fn to be called with the outcome of every refresh.
func (d *Directory) OnHealth(fn func(reachable bool)) {
	d.onHealth = fn
}

// Reachable reports whether the last refresh succeeded.
func (d *Directory) Reachable() bool { return d.reachable.Load() }

// Len returns the number of cached agents.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

func (d *Directory) lookup(model string) (letta.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a, ok := d.byName[model]; ok {
		return a, true
	}
	a, ok := d.byID[model]
	return a, ok
}

func (d *Directory) stale() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.loadedAt.IsZero() {
		return true
	}
	return d.ttl > 0 && d.now().Sub(d.loadedAt) > d.ttl
}

// Resolve maps a model name, or an agent id, to an agent.
func (d *Directory) Resolve(ctx context.Context, model string) (letta.Agent, error) {
	if !d.stale() {
		if a, ok := d.lookup(model); ok {
			return a, nil
		}
	}
	if _, err := d.Refresh(ctx); err != nil {
		// Serve a stale entry rather than fail when the platform is briefly unreachable.
		if a, ok := d.lookup(model); ok {
			return a, nil
		}
		return letta.Agent{}, fmt.Errorf("resolve model %q: %w", model, err)
	}
	if a, ok := d.lookup(model); ok {
		return a, nil
	}
	return letta.Agent{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

// Agents returns all agents sorted by name, refreshing a stale cache.
func (d *Directory) Agents(ctx context.Context) ([]letta.Agent, error) {
	if d.stale() {
		if _, err := d.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	d.mu.RLock()
	out := make([]letta.Agent, 0, len(d.byID))
	for _, a := range d.byID {
		out = append(out, a)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Refresh reloads the agent list. Concurrent calls share one request.
func (d *Directory) Refresh(ctx context.Context) ([]letta.Agent, error) {
	v, err, _ := d.group.Do("agents", func() (interface{}, error) {
		agents, err := d.api.ListAgents(ctx)
		d.setReachable(err == nil)
		if err != nil {
			log.Printf("[Letta] list agents failed: %v", err)
			return nil, err
		}
		byName := make(map[string]letta.Agent, len(agents))
		byID := make(map[string]letta.Agent, len(agents))
		for _, a := range agents {
			if a.Name != "" {
				byName[a.Name] = a
			}
			byID[a.ID] = a
		}
		d.mu.Lock()
		d.byName, d.byID, d.loadedAt = byName, byID, d.now()
		d.mu.Unlock()
		return agents, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]letta.Agent), nil
}

func (d *Directory) setReachable(ok bool) {
	prev := d.reachable.Swap(ok)
	if prev != ok {
		if ok {
			log.Printf("[OK] agent platform reachable")
		} else {
			log.Printf("[WARN] agent platform unreachable")
		}
	}
	if d.onHealth != nil {
		d.onHealth(ok)
	}
}
