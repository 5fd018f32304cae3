// Package lock implements the storage-backed mutual exclusion that keeps at
// most one processor drain running at a time.
//
// The lock is advisory. Within a process acquisition is serialized, but two
// processes sharing a store may both read an unlocked record and both run.
// Everything run under the lock must stay safe when executed twice.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"labelrunner/internal/kv"
	"labelrunner/internal/logging"

	"go.uber.org/zap"
)

// DefaultKey is the store key holding the lock Record.
const DefaultKey = "lock"

// DefaultStaleness is the age after which a held lock is presumed abandoned.
const DefaultStaleness = 15 * time.Second

// Record is the persisted lock state.
type Record struct {
	Locked bool `json:"locked"`
	// Timestamp is the last state change or heartbeat, in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Stale reports whether a held record is old enough to be ignored.
func (r Record) Stale(now time.Time, staleness time.Duration) bool {
	return now.UnixMilli()-r.Timestamp >= staleness.Milliseconds()
}

// Manager runs critical sections under the lock.
type Manager struct {
	store     *kv.Store
	log       *zap.Logger
	key       string
	staleness time.Duration
	heartbeat time.Duration
	now       func() time.Time

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleness overrides the staleness window.
func WithStaleness(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleness = d
		}
	}
}

// WithHeartbeat refreshes the lock timestamp every d while a critical section
// runs. Zero disables the heartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithKey stores the record under key instead of DefaultKey.
func WithKey(key string) Option {
	return func(m *Manager) { m.key = key }
}

// New creates a Manager over store.
func New(store *kv.Store, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.Get(logging.CategoryLock)
	}
	m := &Manager{
		store:     store,
		log:       log,
		key:       DefaultKey,
		staleness: DefaultStaleness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the persisted record and whether it currently counts as held.
func (m *Manager) Current(ctx context.Context) (Record, bool) {
	var rec Record
	m.store.Get(ctx, m.key, &rec)
	return rec, rec.Locked && !rec.Stale(m.now(), m.staleness)
}

// WithLock runs fn while holding the lock and reports whether it ran. When the
// lock is held and fresh, fn is skipped. Errors and panics from fn are logged;
// the lock is released on every path.
func (m *Manager) WithLock(ctx context.Context, fn func(ctx context.Context) error) bool {
	if !m.acquire(ctx) {
		m.log.Debug("lock held, skipping")
		return false
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go m.beat(hbCtx, hbDone)

	defer func() {
		stopHeartbeat()
		<-hbDone
		m.release(context.WithoutCancel(ctx))
	}()

	if err := m.run(ctx, fn); err != nil {
		m.log.Error("critical section failed", zap.Error(err))
	}
	return true
}

func (m *Manager) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (m *Manager) acquire(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var rec Record
	m.store.Get(ctx, m.key, &rec)
	if rec.Locked && !rec.Stale(now, m.staleness) {
		return false
	}
	if rec.Locked {
		m.log.Warn("reclaiming stale lock", zap.Int64("age_ms", now.UnixMilli()-rec.Timestamp))
	}
	m.store.Set(ctx, m.key, Record{Locked: true, Timestamp: now.UnixMilli()})
	return true
}

func (m *Manager) release(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Set(ctx, m.key, Record{Locked: false, Timestamp: m.now().UnixMilli()})
}

func (m *Manager) beat(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	if m.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.store.Set(ctx, m.key, Record{Locked: true, Timestamp: m.now().UnixMilli()})
			m.mu.Unlock()
		}
	}
}
