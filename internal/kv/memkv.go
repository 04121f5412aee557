package kv

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemStore is the in-process Store backend. It is the default for single-node
// deployments and the backend every test runs against.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	ttl     time.Duration
	clock   clockwork.Clock
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemStore returns a MemStore whose keys expire ttl after their last Put.
// A ttl of zero disables expiry.
func NewMemStore(ttl time.Duration, clock clockwork.Clock) *MemStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemStore{
		entries: make(map[string]memEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		delete(m.entries, key)
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: m.deadline()}
	return nil
}

func (m *MemStore) Create(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && !m.expired(e) {
		return ErrKeyExists
	}
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: m.deadline()}
	return nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Sweep drops every expired key and returns how many were removed. Expiry is
// otherwise lazy, so long-idle stores can call this periodically to bound
// memory.
func (m *MemStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *MemStore) deadline() time.Time {
	if m.ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(m.ttl)
}

func (m *MemStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && m.clock.Now().After(e.expiresAt)
}
