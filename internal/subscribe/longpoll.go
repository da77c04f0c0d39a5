package subscribe

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/habgate/habgate/internal/events"
	"github.com/habgate/habgate/internal/sitemap"
	"github.com/habgate/habgate/internal/upstream"
)

// topologyCheckInterval is how often the long-polling runner compares
// its subscribed sitemap against the configured one.
const topologyCheckInterval = 30 * time.Second

// longPollRunner keeps one blocking GET in flight per sitemap page
// ("atmosphere" transport). The upstream parks the request until a
// widget on that page changes, then answers with the page tree.
type longPollRunner struct {
	m *Manager
}

func (r *longPollRunner) name() string { return "longpoll" }

func (r *longPollRunner) run(ctx context.Context, gen uint64) {
	for {
		if ctx.Err() != nil || !r.m.current(gen) {
			return
		}

		name, pageIDs, err := r.discover(ctx)
		if err != nil || len(pageIDs) == 0 {
			if err != nil {
				slog.Debug("sitemap discovery failed", "error", err)
			}
			if !sleepCtx(ctx, r.m.cfg.Current().ReconnectDelay()) {
				return
			}
			continue
		}

		slog.Info("long-polling pages", "sitemap", name, "pages", len(pageIDs))

		pageCtx, cancelPages := context.WithCancel(ctx)
		var wg sync.WaitGroup
		for _, id := range pageIDs {
			wg.Add(1)
			go func(pageID string) {
				defer wg.Done()
				r.pollPage(pageCtx, gen, name, pageID)
			}(id)
		}

		// Watch for a sitemap rename; resubscribe with the new topology.
		renamed := r.watchTopology(ctx, name)
		cancelPages()
		wg.Wait()
		if !renamed {
			return
		}
	}
}

// discover fetches the sitemap and walks out the page ids. An empty
// configured name is a placeholder: the first sitemap the backend
// lists is used until a later resubscribe pins it down.
func (r *longPollRunner) discover(ctx context.Context) (string, []string, error) {
	name := r.m.cfg.Current().Subscribe.SitemapName
	if name == "" {
		var list []sitemap.Sitemap
		if err := r.m.client.GetJSON(ctx, "/rest/sitemaps?type=json", &list); err != nil {
			return "", nil, err
		}
		if len(list) == 0 {
			return "", nil, errors.New("backend lists no sitemaps")
		}
		name = list[0].Name
	}

	var sm sitemap.Sitemap
	if err := r.m.client.GetJSON(ctx, "/rest/sitemaps/"+url.PathEscape(name)+"?type=json", &sm); err != nil {
		return "", nil, err
	}
	return name, sitemap.CollectPageIDs(&sm), nil
}

// watchTopology blocks until the configured sitemap name diverges from
// the subscribed one (returns true) or ctx ends (returns false).
func (r *longPollRunner) watchTopology(ctx context.Context, subscribed string) bool {
	ticker := time.NewTicker(topologyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			name := r.m.cfg.Current().Subscribe.SitemapName
			if name != "" && name != subscribed {
				slog.Info("sitemap changed, resubscribing", "old", subscribed, "new", name)
				return true
			}
		}
	}
}

func (r *longPollRunner) pollPage(ctx context.Context, gen uint64, name, pageID string) {
	trackingID := ""
	for {
		if ctx.Err() != nil || !r.m.current(gen) {
			return
		}

		cfg := r.m.cfg.Current()
		hdr := http.Header{}
		hdr.Set("X-Atmosphere-Transport", "long-polling")
		if trackingID != "" {
			hdr.Set("X-Atmosphere-tracking-id", trackingID)
		}

		path := "/rest/sitemaps/" + url.PathEscape(name) + "/" + url.PathEscape(pageID) + "?type=json"
		resp, err := r.m.client.Get(ctx, path, &upstream.Options{
			Timeout: cfg.LongPollTimeout(),
			Header:  hdr,
		})
		if !r.m.current(gen) {
			return
		}
		if err != nil {
			// Timeouts and hangups are the quiet steady state of long
			// polling; only real errors back off.
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				continue
			}
			if !sleepCtx(ctx, cfg.ReconnectDelay()) {
				return
			}
			continue
		}

		if tid := resp.Header.Get("X-Atmosphere-tracking-id"); tid != "" {
			trackingID = tid
		}

		var page sitemap.Page
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			slog.Debug("long-poll response not a page, discarding", "page", pageID, "error", err)
			continue
		}

		batch := changesFromStates(sitemap.CollectItemStates(&page))
		if len(batch) > 0 {
			r.m.noteUpdate()
			r.m.detector.Apply(ctx, batch)
		}
	}
}

func changesFromStates(states []sitemap.ItemState) []events.ItemChange {
	if len(states) == 0 {
		return nil
	}
	out := make([]events.ItemChange, len(states))
	for i, s := range states {
		out[i] = events.ItemChange{Name: s.Name, State: s.State}
	}
	return out
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
