package auth

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/store"
)

// lastNotifyKey persists the notification timestamp across restarts so
// a crash loop cannot turn a brute-force attempt into a mail storm.
const lastNotifyKey = "lastAuthFailNotify"

// Notifier runs a configured shell command on authentication failures,
// throttled to at most one invocation per notify interval.
type Notifier struct {
	cfg   *config.Manager
	store store.Store

	mu     sync.Mutex
	last   time.Time
	loaded bool
}

func NewNotifier(cfg *config.Manager, s store.Store) *Notifier {
	return &Notifier{cfg: cfg, store: s}
}

// NotifyFailure fires the notify command for a failed attempt from
// source, unless one already ran within the interval.
func (n *Notifier) NotifyFailure(source string) {
	cfg := n.cfg.Current()
	if cfg.Auth.NotifyCommand == "" {
		return
	}

	n.mu.Lock()
	if !n.loaded {
		n.loadLast()
		n.loaded = true
	}
	if time.Since(n.last) < cfg.NotifyInterval() {
		n.mu.Unlock()
		return
	}
	n.last = time.Now()
	n.mu.Unlock()

	n.persistLast(n.last)
	go n.run(cfg.Auth.NotifyCommand, source)
}

func (n *Notifier) run(command, source string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), "HABGATE_AUTH_SOURCE="+source)
	if out, err := cmd.CombinedOutput(); err != nil {
		slog.Warn("auth notify command failed", "error", err, "output", string(out))
	}
}

func (n *Notifier) loadLast() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := n.store.GetKV(ctx, lastNotifyKey)
	if err != nil || v == "" {
		return
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return
	}
	n.last = time.Unix(sec, 0)
}

func (n *Notifier) persistLast(t time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.store.SetKV(ctx, lastNotifyKey, strconv.FormatInt(t.Unix(), 10)); err != nil {
		slog.Debug("persist notify timestamp failed", "error", err)
	}
}
