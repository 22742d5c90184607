package kvstore

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store. It backs tests and the subject-group
// dedup fallback when the shared store is unreachable. Not durable.
type Memory struct {
	mu   sync.Mutex
	kv   map[string]memEntry
	sets map[string]map[string]struct{}

	// Now is injectable for expiry tests; defaults to time.Now.
	Now func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		kv:   make(map[string]memEntry),
		sets: make(map[string]map[string]struct{}),
		Now:  time.Now,
	}
}

func (m *Memory) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && !m.Now().Before(e.expiresAt)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		delete(m.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = m.entry(value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kv[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.kv[key] = m.entry(value, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *Memory) SAdd(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) SIsMember(_ context.Context, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[set][member]
	return ok, nil
}

func (m *Memory) entry(value string, ttl time.Duration) memEntry {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.Now().Add(ttl)
	}
	return e
}
