package kv

import (
	"fmt"

	"labelrunner/internal/config"

	"go.uber.org/zap"
)

// Open builds the Store selected by the store config.
func Open(cfg config.StoreConfig, log *zap.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "sqlite", "":
		backend, err = NewSQLiteBackend(cfg.SQLitePath)
	case "redis":
		backend, err = NewRedisBackend(cfg.RedisURL)
	case "file":
		backend, err = NewFileBackend(cfg.Dir)
	case "memory":
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	return New(backend, log), nil
}
