package storage

import (
	"context"
	"sync"
)

// MemoryAdapter is an in-memory Adapter. It backs the source store in tests
// and serves as the progress store when no durable backend is configured.
type MemoryAdapter struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		data: make(map[string]string),
	}
}

// GetItem returns the value stored under key.
func (m *MemoryAdapter) GetItem(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// SetItem stores value under key.
func (m *MemoryAdapter) SetItem(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil
}

// RemoveItem deletes key. Missing keys are ignored.
func (m *MemoryAdapter) RemoveItem(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Clear removes all keys.
func (m *MemoryAdapter) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]string)
	return nil
}

// Keys lists all stored keys.
func (m *MemoryAdapter) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys, nil
}

// BackendName identifies this adapter.
func (m *MemoryAdapter) BackendName() string {
	return "memory"
}

// Len returns the number of stored keys.
func (m *MemoryAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
