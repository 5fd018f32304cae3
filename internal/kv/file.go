package kv

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileExt = ".json"

// FileBackend stores one JSON file per key inside dir. Writes go through a
// temp file and rename so readers never observe a half-written value.
type FileBackend struct {
	dir         string
	debounceDur time.Duration
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return &FileBackend{dir: dir, debounceDur: 50 * time.Millisecond}, nil
}

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+fileExt)
}

// Load implements Backend.
func (f *FileBackend) Load(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Save implements Backend.
func (f *FileBackend) Save(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}

// Close implements Backend.
func (f *FileBackend) Close() error { return nil }

// Watch implements Watcher. Rapid successive events for one key are
// coalesced; writes made by this process are reported too.
func (f *FileBackend) Watch(ctx context.Context, fn func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("watch %s: %w", f.dir, err)
	}

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(f.debounceDur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			key, ok := keyFromPath(event.Name)
			if !ok {
				continue
			}
			pending[key] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("fsnotify: %w", err)

		case <-ticker.C:
			now := time.Now()
			for key, at := range pending {
				if now.Sub(at) >= f.debounceDur {
					delete(pending, key)
					fn(key)
				}
			}
		}
	}
}

func keyFromPath(p string) (string, bool) {
	base := filepath.Base(p)
	if strings.HasPrefix(base, ".tmp-") || !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(base, fileExt))
	if err != nil {
		return "", false
	}
	return key, true
}
