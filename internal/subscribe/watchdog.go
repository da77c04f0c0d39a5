package subscribe

import (
	"sync"
	"time"
)

// watchdog fires warn once when no item update has been seen within
// the threshold. Any update re-arms it; the warning does not repeat
// until an update has been seen again.
type watchdog struct {
	warn func()

	mu        sync.Mutex
	threshold time.Duration
	timer     *time.Timer
	warned    bool
}

func newWatchdog(warn func()) *watchdog {
	return &watchdog{warn: warn}
}

func (w *watchdog) arm(threshold time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.threshold = threshold
	w.warned = false
	w.resetLocked()
}

func (w *watchdog) disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *watchdog) note() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.threshold <= 0 || w.timer == nil {
		return
	}
	w.warned = false
	w.resetLocked()
}

func (w *watchdog) resetLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.threshold, w.fire)
}

func (w *watchdog) fire() {
	w.mu.Lock()
	if w.warned {
		w.mu.Unlock()
		return
	}
	w.warned = true
	w.mu.Unlock()
	w.warn()
}
