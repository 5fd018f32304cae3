// Package logging provides config-driven categorized logging for labelrunner.
// Every subsystem logs through a named zap logger obtained with Get; categories
// can be switched off individually in the logging section of the config.
package logging

import (
	"fmt"
	"sync"
	"time"

	"labelrunner/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, wiring, shutdown
	CategoryStore     Category = "store"     // Key-value backend I/O
	CategoryLock      Category = "lock"      // Processor mutual exclusion
	CategoryQueue     Category = "queue"     // Job and label queue mutations
	CategoryCapture   Category = "capture"   // Capture attempts and signal races
	CategoryProcessor Category = "processor" // Drain loop and per-job pipeline
	CategoryBrowser   Category = "browser"   // Tabs, page scripts, CDP events
	CategoryPrint     Category = "print"     // Batch fetch, merge, render
	CategoryMessaging Category = "messaging" // Message routing
	CategoryAPI       Category = "api"       // HTTP surface
	CategoryScheduler Category = "scheduler" // Periodic and startup triggers
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
	cfg  config.LoggingConfig
)

// New builds a zap logger from the logging config without installing it.
func New(c config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if c.Level != "" {
		if err := level.Set(c.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
	}
	if c.DebugMode {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if c.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, c.File)
	}

	return zc.Build()
}

// Initialize builds the root logger from config and installs it.
func Initialize(c config.LoggingConfig) (*zap.Logger, error) {
	l, err := New(c)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	root = l
	cfg = c
	mu.Unlock()

	Get(CategoryBoot).Debug("logging initialized",
		zap.String("level", c.Level),
		zap.String("format", c.Format),
		zap.Bool("debug_mode", c.DebugMode))
	return l, nil
}

// SetRoot installs an already-built logger, e.g. the CLI's verbose logger.
func SetRoot(l *zap.Logger, c config.LoggingConfig) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	root = l
	cfg = c
	mu.Unlock()
}

// Root returns the installed root logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return cfg.IsCategoryEnabled(string(category))
}

// Get returns a named logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *zap.Logger {
	if !IsCategoryEnabled(category) {
		return zap.NewNop()
	}
	return Root().Named(string(category))
}

// Sync flushes the root logger (call at shutdown).
func Sync() {
	_ = Root().Sync()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("operation slow",
			zap.String("op", t.op),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", threshold))
	} else {
		Get(t.category).Debug("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	}
	return elapsed
}
