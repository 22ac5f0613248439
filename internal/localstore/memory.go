package localstore

import (
	"fmt"
	"sync"

	"basket-core/internal/model"
)

// MemoryKV is an in-process KV collaborator with localStorage-like
// semantics: quota enforcement and foreign-writer notifications. Used by
// tests and by basketd when no platform storage bridge is configured.
type MemoryKV struct {
	mu       sync.Mutex
	data     map[string]string
	quota    int // total bytes of stored values, 0 = unlimited
	watchers map[int]func(key string)
	nextID   int
}

// NewMemoryKV creates an empty in-memory KV with no quota.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		data:     make(map[string]string),
		watchers: make(map[int]func(key string)),
	}
}

// SetQuota caps total stored value bytes. Writes that would exceed the cap
// fail like a full localStorage.
func (m *MemoryKV) SetQuota(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota = bytes
}

func (m *MemoryKV) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quota > 0 {
		total := len(value)
		for k, v := range m.data {
			if k != key {
				total += len(v)
			}
		}
		if total > m.quota {
			return fmt.Errorf("memory kv: %w", model.ErrQuotaExceeded)
		}
	}
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *MemoryKV) Watch(fn func(key string)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// SetFromOtherTab simulates a foreign writer: it stores the value and fires
// watch callbacks, the way a storage event from another tab would.
func (m *MemoryKV) SetFromOtherTab(key, value string) {
	m.mu.Lock()
	m.data[key] = value
	fns := make([]func(string), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}
