package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process store. State is lost on restart.
type Memory struct {
	data     map[string]string
	pageSize int
	mu       sync.RWMutex
}

// NewMemory creates an empty in-memory store.
func NewMemory(pageSize int) *Memory {
	return &Memory{data: make(map[string]string), pageSize: pageSizeOrDefault(pageSize)}
}

// Get returns the value stored at key.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return v, nil
}

// Put stores value at key.
func (m *Memory) Put(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Delete removes key. Missing keys are not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// List returns one page of keys starting with prefix.
func (m *Memory) List(_ context.Context, prefix, cursor string) (Page, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return paginate(keys, prefix, cursor, m.pageSize), nil
}
