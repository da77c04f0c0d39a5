package subscribe

import (
	"context"
	"log/slog"

	"github.com/habgate/habgate/internal/events"
)

// pollRunner GETs /rest/items on an interval. The interval narrows to
// the focused setting while any connected client is focused, re-read
// every cycle so a focus change is observable within one cycle.
type pollRunner struct {
	m *Manager
}

func (r *pollRunner) name() string { return "poll" }

func (r *pollRunner) run(ctx context.Context, gen uint64) {
	for {
		if ctx.Err() != nil || !r.m.current(gen) {
			return
		}

		r.pollOnce(ctx, gen)

		// A stale generation after the await must not schedule a
		// follow-up cycle.
		if !r.m.current(gen) {
			return
		}
		interval := r.m.cfg.Current().PollInterval(r.m.AnyFocused())
		if !sleepCtx(ctx, interval) {
			return
		}
	}
}

type polledItem struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (r *pollRunner) pollOnce(ctx context.Context, gen uint64) {
	var items []polledItem
	if err := r.m.client.GetJSON(ctx, "/rest/items?type=json", &items); err != nil {
		slog.Debug("items poll failed", "error", err)
		return
	}
	if !r.m.current(gen) {
		return
	}

	batch := make([]events.ItemChange, 0, len(items))
	names := make([]string, 0, len(items))
	for _, it := range items {
		batch = append(batch, events.ItemChange{Name: it.Name, State: it.State})
		names = append(names, it.Name)
	}

	r.m.detector.MarkFullPoll(names)
	if changed := r.m.detector.Apply(ctx, batch); len(changed) > 0 {
		r.m.noteUpdate()
	}
}
