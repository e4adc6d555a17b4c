package store

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store for tests, development and single-process
// workflows that do not need durability. Safe for concurrent use.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Put implements Store. The payload is copied, so callers may reuse the
// buffer.
func (m *MemStore) Put(_ context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.data[id] = buf
	return nil
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

// List implements Store.
func (m *MemStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	return ids, nil
}
