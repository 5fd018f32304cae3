// Package kv is the durable, process-wide key-value store every other
// component keeps its state in. Values are JSON documents addressed by key.
//
// The Store never returns I/O errors to callers: a failed read yields the
// caller's default and a failed write is logged and dropped. Callers must
// therefore treat every Get as possibly stale and every Set as best-effort.
package kv

import (
	"context"
	"encoding/json"
	"sync"

	"labelrunner/internal/logging"

	"go.uber.org/zap"
)

// Backend is the raw durable storage a Store wraps.
type Backend interface {
	// Load returns the stored bytes for key and whether the key exists.
	Load(ctx context.Context, key string) ([]byte, bool, error)
	// Save replaces the value stored under key.
	Save(ctx context.Context, key string, value []byte) error
	Close() error
}

// Watcher is implemented by backends that can observe writes made by other
// processes sharing the same storage. Watch blocks until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func(key string)) error
}

// Change describes a write to a key.
type Change struct {
	Key string
	// External is true when the write was observed from the backend rather
	// than made through this Store.
	External bool
}

// Store wraps a Backend with JSON encoding, error swallowing and change
// subscriptions.
type Store struct {
	backend Backend
	log     *zap.Logger

	mu      sync.RWMutex
	subs    map[int]func(Change)
	nextSub int
}

// New creates a Store over backend.
func New(backend Backend, log *zap.Logger) *Store {
	if log == nil {
		log = logging.Get(logging.CategoryStore)
	}
	return &Store{
		backend: backend,
		log:     log,
		subs:    make(map[int]func(Change)),
	}
}

// Get decodes the value under key into dest. dest must be a pointer already
// holding the caller's default; it is left untouched when the key is missing,
// unreadable or undecodable. Get reports whether dest was populated.
func (s *Store) Get(ctx context.Context, key string, dest any) bool {
	data, ok, err := s.backend.Load(ctx, key)
	if err != nil {
		s.log.Error("store read failed, using default", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		s.log.Error("store value undecodable, using default", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set encodes value and writes it under key. Failures are logged, not retried.
func (s *Store) Set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.log.Error("store value unencodable, write dropped", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.backend.Save(ctx, key, data); err != nil {
		s.log.Error("store write failed", zap.String("key", key), zap.Error(err))
		return
	}
	s.notify(Change{Key: key})
}

// Subscribe registers fn for every change. The returned func unsubscribes.
// fn runs synchronously on the writer's goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Watch relays external changes observed by the backend to subscribers until
// ctx is done. It returns immediately for backends without a Watcher.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.backend.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func(key string) {
		s.notify(Change{Key: key, External: true})
	})
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
