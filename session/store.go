// Package session keeps per-conversation overlay state in a bounded,
// expiring in-memory store.
package session

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"
)

// Options configures a Store.
type Options struct {
	Capacity int              // Max live records (default: 100)
	TTL      time.Duration    // Idle expiry (default: 3h)
	Now      func() time.Time // Clock (default: time.Now)
}

// Store is an LRU of session records with idle expiry.
// Lookups never touch the network and never fail.
type Store struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	items map[string]*list.Element
	order *list.List // front = most recently used
}

// NewStore creates a session store.
func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = 100
	}
	if opts.TTL <= 0 {
		opts.TTL = 3 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		now:      opts.Now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func storeKey(sessionID, agentID string) string {
	return agentID + "\x1f" + sessionID
}

// GetOrCreate returns the live record for (sessionID, agentID), creating it on miss.
// Concurrent first access for the same key yields the same record.
func (s *Store) GetOrCreate(sessionID, agentID string) (*Record, bool) {
	key := storeKey(sessionID, agentID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		rec := el.Value.(*Record)
		if now.Sub(rec.lastSeen) <= s.ttl {
			rec.lastSeen = now
			s.order.MoveToFront(el)
			return rec, false
		}
		s.removeLocked(el)
	}

	s.evictExpiredLocked(now)
	for s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		rec := oldest.Value.(*Record)
		log.Printf("[Session] evicting LRU session=%s agent=%s", rec.ID, rec.AgentID)
		s.removeLocked(oldest)
	}

	rec := newRecord(sessionID, agentID, now)
	s.items[key] = s.order.PushFront(rec)
	return rec, true
}

// Get returns a live record without creating one.
func (s *Store) Get(sessionID, agentID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[storeKey(sessionID, agentID)]
	if !ok {
		return nil, false
	}
	rec := el.Value.(*Record)
	if s.now().Sub(rec.lastSeen) > s.ttl {
		return nil, false
	}
	return rec, true
}

// Touch refreshes a record's last-seen time.
func (s *Store) Touch(sessionID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[storeKey(sessionID, agentID)]; ok {
		el.Value.(*Record).lastSeen = s.now()
		s.order.MoveToFront(el)
	}
}

// EvictExpired drops every record idle for longer than the TTL.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictExpiredLocked(s.now())
}

// Expired records sit at the back because the list is ordered by last use.
func (s *Store) evictExpiredLocked(now time.Time) int {
	n := 0
	for el := s.order.Back(); el != nil; {
		rec := el.Value.(*Record)
		if now.Sub(rec.lastSeen) <= s.ttl {
			break
		}
		prev := el.Prev()
		s.removeLocked(el)
		n++
		el = prev
	}
	return n
}

func (s *Store) removeLocked(el *list.Element) {
	rec := el.Value.(*Record)
	delete(s.items, storeKey(rec.ID, rec.AgentID))
	s.order.Remove(el)
}

// Len returns the number of records currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Snapshot returns views of all records, most recently used first.
func (s *Store) Snapshot() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	views := make([]View, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*Record)
		st := rec.State()
		views = append(views, View{
			SessionID:       rec.ID,
			AgentID:         rec.AgentID,
			OverlayBlockID:  st.OverlayBlockID,
			InstructionHash: st.LastInstructionHash,
			FallbackUsed:    st.FallbackUsed,
			PendingInline:   st.PendingInline,
			CreatedAt:       rec.CreatedAt,
			LastSeen:        rec.lastSeen,
			IdleSeconds:     int64(now.Sub(rec.lastSeen) / time.Second),
		})
	}
	return views
}

// StartSweeper evicts expired records every interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
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
				if n := s.EvictExpired(); n > 0 {
					log.Printf("[Session] swept %d expired sessions", n)
				}
			}
		}
	}()
}
