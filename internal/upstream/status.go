package upstream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/habgate/habgate/internal/events"
)

// StatusTracker coalesces upstream round-trip outcomes into a single
// ok/degraded state and publishes transitions on the bus. On the way
// back up, a configurable recovery delay filters out one-off successes
// in the middle of an outage.
type StatusTracker struct {
	bus           *events.Bus
	recoveryDelay time.Duration

	mu           sync.Mutex
	degraded     bool
	lastError    string
	successSince time.Time
}

func NewStatusTracker(bus *events.Bus, recoveryDelay time.Duration) *StatusTracker {
	return &StatusTracker{bus: bus, recoveryDelay: recoveryDelay}
}

// Current returns the present status.
func (t *StatusTracker) Current() (ok bool, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.degraded, t.lastError
}

// Failure records a failed round trip.
func (t *StatusTracker) Failure(err error) {
	t.mu.Lock()
	t.successSince = time.Time{}
	t.lastError = err.Error()
	transition := !t.degraded
	t.degraded = true
	t.mu.Unlock()

	if transition {
		slog.Warn("backend degraded", "error", err)
		t.bus.Publish(events.Event{Type: events.EventBackendStatus, OK: false, Error: err.Error()})
	}
}

// Success records a successful round trip.
func (t *StatusTracker) Success() {
	t.mu.Lock()
	if !t.degraded {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	if t.successSince.IsZero() {
		t.successSince = now
	}
	if now.Sub(t.successSince) < t.recoveryDelay {
		t.mu.Unlock()
		return
	}
	t.degraded = false
	t.lastError = ""
	t.mu.Unlock()

	slog.Info("backend recovered")
	t.bus.Publish(events.Event{Type: events.EventBackendStatus, OK: true})
}
