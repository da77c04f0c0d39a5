// Package state owns the authoritative item-state table: it decides
// which reported updates are real transitions and synthesizes group
// aggregate states.
package state

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/events"
	"github.com/habgate/habgate/internal/metrics"
	"github.com/habgate/habgate/internal/upstream"
)

// OpenState is the member state counted into group aggregates.
const OpenState = "OPEN"

// Detector filters reported-but-unchanged updates and recomputes group
// aggregates after each batch. Confirmed transitions go out on the bus
// as one EventItemUpdate per batch.
type Detector struct {
	cfg    *config.Manager
	client *upstream.Client
	bus    *events.Bus

	mu          sync.Mutex
	items       map[string]string
	groupCounts map[string]int
	// lastPoll is the item set of the most recent full poll; the stale
	// pruner drops table entries outside it.
	lastPoll map[string]bool
}

func NewDetector(cfg *config.Manager, client *upstream.Client, bus *events.Bus) *Detector {
	return &Detector{
		cfg:         cfg,
		client:      client,
		bus:         bus,
		items:       make(map[string]string),
		groupCounts: make(map[string]int),
	}
}

// Apply runs a batch of reported updates through the detector. The
// state table is updated before the batch is published, so any reader
// that sees the broadcast already sees the new values. An item seen for
// the first time seeds the table without counting as a transition, so
// the initial observation after a subscription starts stays silent.
// Returns the confirmed changes.
func (d *Detector) Apply(ctx context.Context, batch []events.ItemChange) []events.ItemChange {
	d.mu.Lock()
	var changed []events.ItemChange
	inBatch := make(map[string]bool, len(batch))
	for _, ch := range batch {
		inBatch[ch.Name] = true
		prev, known := d.items[ch.Name]
		if known && prev == ch.State {
			continue
		}
		d.items[ch.Name] = ch.State
		if !known {
			continue
		}
		changed = append(changed, ch)
	}
	d.mu.Unlock()

	// Group aggregates not already covered by the batch are recomputed
	// from upstream; one GET per configured group per batch.
	for _, group := range d.cfg.Current().GroupItems {
		if inBatch[group] {
			continue
		}
		count, err := d.fetchOpenCount(ctx, group)
		if err != nil {
			slog.Debug("group aggregate fetch failed", "group", group, "error", err)
			continue
		}

		d.mu.Lock()
		prev, seen := d.groupCounts[group]
		if seen && prev == count {
			d.mu.Unlock()
			continue
		}
		d.groupCounts[group] = count
		stateStr := strconv.Itoa(count)
		d.items[group] = stateStr
		d.mu.Unlock()

		// The first computed aggregate seeds silently like any other
		// first observation.
		if !seen {
			continue
		}
		changed = append(changed, events.ItemChange{Name: group, State: stateStr})
	}

	if len(changed) > 0 {
		metrics.ItemChanges.Add(float64(len(changed)))
		d.bus.Publish(events.Event{Type: events.EventItemUpdate, Changes: changed})
	}
	return changed
}

// State returns the last confirmed state for an item.
func (d *Detector) State(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.items[name]
	return v, ok
}

// Overrides returns the synthesized states applied to outgoing page
// snapshots, so content hashes reflect the aggregate rather than the
// raw upstream string.
func (d *Detector) Overrides() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.groupCounts) == 0 {
		return nil
	}
	out := make(map[string]string, len(d.groupCounts))
	for g, n := range d.groupCounts {
		out[g] = strconv.Itoa(n)
	}
	return out
}

// MarkFullPoll records the item set of a complete /rest/items poll.
func (d *Detector) MarkFullPoll(names []string) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	d.mu.Lock()
	d.lastPoll = set
	d.mu.Unlock()
}

// PruneStale drops table entries for items absent from the most recent
// full poll. Wired as an hourly background task.
func (d *Detector) PruneStale(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastPoll == nil {
		return nil
	}
	pruned := 0
	for name := range d.items {
		if !d.lastPoll[name] {
			delete(d.items, name)
			pruned++
		}
	}
	if pruned > 0 {
		slog.Debug("pruned stale item states", "count", pruned)
	}
	return nil
}

// Reset releases the state maps. Called when the last client leaves.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = make(map[string]string)
	d.groupCounts = make(map[string]int)
	d.lastPoll = nil
}

// itemResponse is the subset of GET /rest/items/<name> the aggregate
// computation needs.
type itemResponse struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Members []struct {
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"members"`
}

func (d *Detector) fetchOpenCount(ctx context.Context, group string) (int, error) {
	var resp itemResponse
	if err := d.client.GetJSON(ctx, "/rest/items/"+url.PathEscape(group), &resp); err != nil {
		return 0, err
	}
	count := 0
	for _, m := range resp.Members {
		if m.State == OpenState {
			count++
		}
	}
	return count, nil
}
