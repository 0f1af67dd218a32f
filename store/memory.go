package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend used by tests and by the
// server's --ephemeral mode. All state is lost on restart.
type MemoryBackend struct {
	mu      sync.Mutex
	keys    map[string]*APIKey
	byShort map[string]string
	usage   []*UsageEvent
}

// NewMemory builds an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{
		keys:    make(map[string]*APIKey),
		byShort: make(map[string]string),
	}
}

func copyKey(k *APIKey) *APIKey {
	out := *k
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		out.RevokedAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}

func (m *MemoryBackend) CreateKey(key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byShort[key.ShortID]; ok {
		return ErrDuplicate
	}
	m.keys[key.ID] = copyKey(key)
	m.byShort[key.ShortID] = key.ID
	return nil
}

func (m *MemoryBackend) GetKey(id string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

func (m *MemoryBackend) GetKeyByShortID(shortID string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byShort[shortID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(m.keys[id]), nil
}

func (m *MemoryBackend) ListKeys() ([]*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, copyKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) RevokeKey(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	if k.RevokedAt == nil {
		k.RevokedAt = &at
	}
	return nil
}

func (m *MemoryBackend) TouchKey(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.LastUsedAt = &at
	return nil
}

func (m *MemoryBackend) AppendUsage(ev *UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.usage = append(m.usage, &cp)
	return nil
}

func (m *MemoryBackend) ListUsage(limit int) ([]*UsageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := make([]*UsageEvent, len(m.usage))
	copy(sorted, m.usage)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].At.After(sorted[j].At) })
	if limit < len(sorted) {
		sorted = sorted[:limit]
	}
	out := make([]*UsageEvent, len(sorted))
	for i, ev := range sorted {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryBackend) PruneUsage(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.usage[:0]
	pruned := 0
	for _, ev := range m.usage {
		if ev.At.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	m.usage = kept
	return pruned, nil
}

func (m *MemoryBackend) Ping() error { return nil }

func (m *MemoryBackend) Close() error { return nil }
