package cache

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	value   json.RawMessage
	expires time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// MemoryBackend is a thread-safe in-process cache with per-entry TTL and an
// optional entry bound. When full, expired entries are purged first, then the
// entry closest to expiry is evicted.
type MemoryBackend struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
	counters   counters
}

// NewMemoryBackend returns a memory cache. maxEntries <= 0 means unbounded.
func NewMemoryBackend(maxEntries int) *MemoryBackend {
	return &MemoryBackend{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if ok && e.expired(m.now()) {
		delete(m.entries, key)
		m.counters.evictions.Add(1)
		ok = false
	}
	if !ok {
		m.counters.misses.Add(1)
		return nil, false, nil
	}
	m.counters.hits.Add(1)
	return slices.Clone(e.value), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, exists := m.entries[key]; !exists && m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.evictLocked(now)
	}
	e := memoryEntry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	m.entries[key] = e
	m.counters.sets.Add(1)
	return nil
}

func (m *MemoryBackend) evictLocked(now time.Time) {
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			m.counters.evictions.Add(1)
		}
	}
	if len(m.entries) < m.maxEntries {
		return
	}
	victim := ""
	var best memoryEntry
	for k, e := range m.entries {
		if victim == "" || evictsBefore(e, k, best, victim) {
			victim, best = k, e
		}
	}
	delete(m.entries, victim)
	m.counters.evictions.Add(1)
}

// evictsBefore orders eviction candidates: entries with an expiry before
// entries without one, earlier expiry first, then by key.
func evictsBefore(a memoryEntry, ak string, b memoryEntry, bk string) bool {
	switch {
	case a.expires.IsZero() != b.expires.IsZero():
		return b.expires.IsZero()
	case !a.expires.Equal(b.expires):
		return a.expires.Before(b.expires)
	default:
		return ak < bk
	}
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		delete(m.entries, key)
		m.counters.deletes.Add(1)
	}
	return nil
}

func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.deletes.Add(int64(len(m.entries)))
	m.entries = make(map[string]memoryEntry)
	return nil
}

func (m *MemoryBackend) Stats() Stats {
	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	return m.counters.snapshot("memory", int64(n))
}
