package store

import (
	"fmt"
	"sync"
)

// MemStore is an in-memory KV for tests and ephemeral deployments.
type MemStore struct {
	mu      sync.RWMutex
	data    map[string][]byte
	version uint64
	closed  bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string][]byte),
	}
}

func (m *MemStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	value, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemStore) Write(ws *WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if ws.Base() != m.version {
		return fmt.Errorf("%w: opened at %d, now %d", ErrVersionConflict, ws.Base(), m.version)
	}
	ws.Each(func(key, value []byte) {
		m.data[string(key)] = append([]byte(nil), value...)
	})
	m.version++
	return nil
}

func (m *MemStore) Version() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

// Close satisfies the KV interface for MemStore.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
