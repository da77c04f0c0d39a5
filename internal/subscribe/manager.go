// Package subscribe feeds the state detector from the HA backend via
// one of three interchangeable strategies: per-page long-polling, an
// SSE event stream, or periodic full polling. The active strategy's
// lifecycle is keyed to WebSocket client demand.
package subscribe

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/state"
	"github.com/habgate/habgate/internal/upstream"
)

// runner is one subscription strategy. run blocks until ctx is
// canceled or the carried generation goes stale.
type runner interface {
	name() string
	run(ctx context.Context, gen uint64)
}

// Manager owns the active strategy. A monotonically increasing
// generation invalidates callbacks that return from an await after a
// stop or restart: a runner that observes a stale generation aborts
// without rescheduling.
type Manager struct {
	cfg      *config.Manager
	client   *upstream.Client
	detector *state.Detector

	generation atomic.Uint64

	mu           sync.Mutex
	cancel       context.CancelFunc
	activeName   string
	clients      int
	focusedCount int

	watchdog *watchdog
}

func NewManager(cfg *config.Manager, client *upstream.Client, detector *state.Detector) *Manager {
	m := &Manager{
		cfg:      cfg,
		client:   client,
		detector: detector,
	}
	m.watchdog = newWatchdog(func() {
		slog.Warn("no item update received within watchdog threshold",
			"strategy", m.ActiveName())
	})
	return m
}

// SetDemand updates the connected/focused client counts. The 0→1
// transition starts the strategy; 1→0 stops it and releases the state
// maps.
func (m *Manager) SetDemand(clients, focused int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasActive := m.cancel != nil
	m.clients = clients
	m.focusedCount = focused

	if clients > 0 && !wasActive {
		m.startLocked()
	} else if clients == 0 && wasActive {
		m.stopLocked()
		m.detector.Reset()
	}
}

// AnyFocused reports whether at least one connected client is focused.
// The polling strategy re-reads this every cycle.
func (m *Manager) AnyFocused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focusedCount > 0
}

// ActiveName returns the running strategy's name, or "".
func (m *Manager) ActiveName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeName
}

// Generation returns the current subscription generation.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// current reports whether gen is still the live generation.
func (m *Manager) current(gen uint64) bool {
	return m.generation.Load() == gen
}

// Resubscribe restarts the active strategy in place, picking up a new
// sitemap topology or subscription mode. No-op while idle.
func (m *Manager) Resubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	m.stopLocked()
	m.startLocked()
}

// OnConfigReload swaps the strategy in place when the mode or sitemap
// changed and clients are connected.
func (m *Manager) OnConfigReload(old, next *config.Config) {
	if old.Subscribe == next.Subscribe {
		return
	}
	slog.Info("subscription settings changed",
		"mode", next.Subscribe.Mode, "sitemap", next.Subscribe.SitemapName)
	m.Resubscribe()
}

// Stop tears down the active strategy unconditionally (shutdown path).
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.stopLocked()
	}
}

func (m *Manager) startLocked() {
	cfg := m.cfg.Current()

	var r runner
	switch cfg.Subscribe.Mode {
	case "sse":
		r = &sseRunner{m: m}
	case "poll":
		r = &pollRunner{m: m}
	default:
		r = &longPollRunner{m: m}
	}

	gen := m.generation.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.activeName = r.name()
	m.watchdog.arm(cfg.WatchdogThreshold())

	slog.Info("subscription started", "strategy", r.name(), "generation", gen)
	go r.run(ctx, gen)
}

func (m *Manager) stopLocked() {
	m.generation.Add(1)
	m.cancel()
	m.cancel = nil
	m.activeName = ""
	m.watchdog.disarm()
	slog.Info("subscription stopped")
}

// noteUpdate resets the no-update watchdog.
func (m *Manager) noteUpdate() {
	m.watchdog.note()
}
