package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

// MemoryStore is a process-local Store with TTL expiry and a capacity
// bound. When full, the least recently saved session is evicted.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewMemoryStore creates a store. capacity <= 0 means unbounded.
func NewMemoryStore(ttl time.Duration, capacity int) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*memoryEntry),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("MemoryStore.Load: %s: %w", id, ErrNotFound)
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, id)
		return nil, fmt.Errorf("MemoryStore.Load: %s: %w", id, ErrNotFound)
	}
	return clone(e.session), nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("MemoryStore.Save: session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s.UpdatedAt = now

	if _, exists := m.entries[s.ID]; !exists && m.capacity > 0 && len(m.entries) >= m.capacity {
		m.sweepLocked(now)
		if len(m.entries) >= m.capacity {
			m.evictOldestLocked()
		}
	}

	m.entries[s.ID] = &memoryEntry{session: clone(s), expiresAt: now.Add(m.ttl)}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Len returns the number of stored sessions, expired ones included until
// the next sweep.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep drops expired sessions and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.now())
}

// Run sweeps every interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *MemoryStore) sweepLocked(now time.Time) int {
	removed := 0
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

func (m *MemoryStore) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, e := range m.entries {
		if oldestID == "" || e.session.UpdatedAt.Before(oldest) {
			oldestID, oldest = id, e.session.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(m.entries, oldestID)
	}
}
