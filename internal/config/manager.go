package config

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ReloadFunc is invoked after a successful hot reload with the old and
// new snapshots. Callbacks run synchronously on the reloading goroutine.
type ReloadFunc func(old, next *Config)

// Manager publishes the current configuration snapshot and hot-reloads
// it when the config file's mtime changes. Reload failure keeps the
// previous snapshot intact.
type Manager struct {
	path string

	current atomic.Pointer[Config]

	mu        sync.Mutex
	modTime   time.Time
	lastCheck time.Time
	onReload  []ReloadFunc

	// RestartRequested is set when a reload diverged on a
	// restart-required key; the server schedules an exit once the
	// in-flight response completes.
	RestartRequested atomic.Bool
}

// NewManager loads the initial snapshot from path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.current.Store(cfg)
	if fi, err := os.Stat(path); err == nil {
		m.modTime = fi.ModTime()
	}
	return m, nil
}

// Current returns the live snapshot. Callers must not hold it across
// suspension points if they want reload semantics; re-read at use site.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnReload registers a hot-reload callback.
func (m *Manager) OnReload(fn ReloadFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// MaybeReload stats the config file and reloads when its mtime changed.
// The stat is rate-limited to once per second so per-request calls stay
// cheap. Returns true when a new snapshot was published.
func (m *Manager) MaybeReload() bool {
	if m.path == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if now.Sub(m.lastCheck) < time.Second {
		return false
	}
	m.lastCheck = now

	fi, err := os.Stat(m.path)
	if err != nil {
		return false
	}
	if !fi.ModTime().After(m.modTime) {
		return false
	}
	m.modTime = fi.ModTime()

	next, err := Load(m.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous snapshot", "error", err)
		return false
	}
	if err := next.Validate(); err != nil {
		slog.Error("config reload invalid, keeping previous snapshot", "error", err)
		return false
	}

	old := m.current.Load()
	if RestartRequired(old, next) {
		slog.Warn("config change requires restart", "path", m.path)
		m.RestartRequested.Store(true)
		// Hot-reloadable fields still rebind below; the listener keeps
		// its old bind until the process restarts.
	}

	m.current.Store(next)
	slog.Info("config reloaded", "path", m.path)

	for _, fn := range m.onReload {
		fn(old, next)
	}
	return true
}

// Static creates a Manager around a fixed snapshot, with no file watch.
// Used by tests and by check-config.
func Static(cfg *Config) *Manager {
	m := &Manager{}
	m.current.Store(cfg)
	return m
}
