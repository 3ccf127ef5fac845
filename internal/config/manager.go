package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	logpkg "github.com/rzbill/relay/pkg/log"
)

// Manager holds the live configuration snapshot and reloads it when the
// backing file changes. Components that must honor hot-reloadable settings
// (retry schedule, log capacity, slot count, TTLs) call Get at point of use
// instead of caching values at construction.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg Config

	log logpkg.Logger
}

// NewManager creates a Manager seeded with cfg. path may be empty, in which
// case Watch is a no-op.
func NewManager(path string, cfg Config, log logpkg.Logger) *Manager {
	if log == nil {
		log = logpkg.NewTestLogger()
	}
	return &Manager{path: path, cfg: cfg, log: log.WithComponent("config")}
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Commit replaces the current snapshot. Exposed for tests and for callers
// that source configuration from somewhere other than the file watcher.
func (m *Manager) Commit(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Watch blocks until ctx is done, reloading the config file on write events.
// Invalid files are logged and skipped; the previous snapshot stays live.
// Editors often replace files via rename, so the parent directory is watched
// rather than the file itself.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(m.path)
			if err != nil {
				m.log.Warn("config reload rejected", logpkg.Str("path", m.path), logpkg.Err(err))
				continue
			}
			m.Commit(cfg)
			m.log.Info("config reloaded", logpkg.Str("path", m.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", logpkg.Err(err))
		}
	}
}
