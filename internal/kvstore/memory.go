package kvstore

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	value     int64
	expiresAt time.Time
}

// Memory is a single-process Store. Expired keys are dropped lazily on access.
type Memory struct {
	mu    sync.Mutex
	items map[string]*memItem
	now   func() time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		items: make(map[string]*memItem),
		now:   now,
	}
}

func (m *Memory) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.live(key)
	if it == nil {
		it = &memItem{}
		m.items[key] = it
	}
	it.value++
	if it.expiresAt.IsZero() && ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	return it.value, nil
}

// Set stores value under key without an expiry.
func (m *Memory) Set(key string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = &memItem{value: value}
}

// TTL returns the remaining lifetime of key, or -1 when it has none and 0
// when it does not exist.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.live(key)
	switch {
	case it == nil:
		return 0
	case it.expiresAt.IsZero():
		return -1
	}
	return it.expiresAt.Sub(m.now())
}

func (m *Memory) live(key string) *memItem {
	it, ok := m.items[key]
	if !ok {
		return nil
	}
	if !it.expiresAt.IsZero() && !m.now().Before(it.expiresAt) {
		delete(m.items, key)
		return nil
	}
	return it
}
