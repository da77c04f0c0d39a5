package auth

import (
	"sync"
	"time"

	"github.com/habgate/habgate/internal/config"
)

// staleWindow keeps a failure streak alive between attempts; entries
// with no recent failure and no active lock are pruned.
const staleWindow = time.Hour

type lockoutEntry struct {
	failCount  int
	lockUntil  time.Time
	lastFailAt time.Time
}

// Lockout counts authentication failures per source address and locks
// a source out after the configured number of consecutive failures.
type Lockout struct {
	cfg *config.Manager

	mu      sync.Mutex
	entries map[string]*lockoutEntry
}

func NewLockout(cfg *config.Manager) *Lockout {
	return &Lockout{cfg: cfg, entries: make(map[string]*lockoutEntry)}
}

// Check returns ErrLockedOut while the source's lock is active.
func (l *Lockout) Check(source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[source]
	if ok && time.Now().Before(e.lockUntil) {
		return ErrLockedOut
	}
	return nil
}

// Fail records a failure and reports whether it engaged a new lock.
func (l *Lockout) Fail(source string) bool {
	cfg := l.cfg.Current()
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[source]
	if !ok {
		e = &lockoutEntry{}
		l.entries[source] = e
	}
	e.failCount++
	e.lastFailAt = time.Now()
	if e.failCount >= cfg.Auth.MaxFailures {
		e.lockUntil = time.Now().Add(cfg.LockoutDuration())
		e.failCount = 0
		return true
	}
	return false
}

// Success clears the failure streak. An active lock stays in force; a
// correct guess during lockout must not unlock the source.
func (l *Lockout) Success(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[source]
	if !ok {
		return
	}
	if time.Now().Before(e.lockUntil) {
		return
	}
	delete(l.entries, source)
}

// Prune drops entries with no active lock and no failure within the
// stale window. Run periodically by the task scheduler.
func (l *Lockout) Prune() int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for source, e := range l.entries {
		if now.Before(e.lockUntil) || now.Sub(e.lastFailAt) < staleWindow {
			continue
		}
		delete(l.entries, source)
		removed++
	}
	return removed
}

// Len reports the number of tracked sources.
func (l *Lockout) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
