package events

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LogLine is one retained log record, served by /api/logs.
type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogHandler is a slog.Handler that tees records into a bounded ring
// buffer on top of a text handler. WithAttrs/WithGroup clones share the
// ring so the tail stays process-wide.
type LogHandler struct {
	inner  slog.Handler
	ring   *logRing
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

type logRing struct {
	mu    sync.RWMutex
	lines []LogLine
	size  int
	pos   int
	count int
}

// NewLogHandler writes text records to w (stderr when nil) and retains
// the last ringSize lines.
func NewLogHandler(level slog.Leveler, ringSize int, w io.Writer) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	if w == nil {
		w = os.Stderr
	}
	return &LogHandler{
		inner: slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}),
		ring:  &logRing{lines: make([]LogLine, ringSize), size: ringSize},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	// Carried attrs were prefixed when they were added; only the
	// record's own attrs take the current group prefix.
	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	prefix := groupPrefix(h.groups)
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.ring.append(line)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := groupPrefix(h.groups)
	prefixed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		prefixed[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return &LogHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		level:  h.level,
		attrs:  append(cloneAttrs(h.attrs), prefixed...),
		groups: h.groups,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		level:  h.level,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
	}
}

// Recent returns the retained tail, oldest first.
func (h *LogHandler) Recent() []LogLine {
	return h.ring.recent()
}

func (r *logRing) append(line LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *logRing) recent() []LogLine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil
	}
	result := make([]LogLine, r.count)
	start := (r.pos - r.count + r.size) % r.size
	for i := range r.count {
		result[i] = r.lines[(start+i)%r.size]
	}
	return result
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
