package kv

import (
	"context"
	"sync"
)

// MemoryBackend keeps values in process memory. It is used by tests and by
// the "memory" store setting; nothing survives a restart.
type MemoryBackend struct {
	mu      sync.Mutex
	values  map[string][]byte
	loadErr error
	saveErr error
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, false, m.loadErr
	}
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

// FailLoads makes every subsequent Load return err (nil clears it).
func (m *MemoryBackend) FailLoads(err error) {
	m.mu.Lock()
	m.loadErr = err
	m.mu.Unlock()
}

// FailSaves makes every subsequent Save return err (nil clears it).
func (m *MemoryBackend) FailSaves(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// Raw sets the stored bytes directly, bypassing encoding.
func (m *MemoryBackend) Raw(key string, value []byte) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}
