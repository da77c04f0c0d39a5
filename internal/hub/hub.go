// Package hub owns the WebSocket clients: upgrade gating, per-client
// focus state, ping liveness, and typed event broadcast.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/events"
	"github.com/habgate/habgate/internal/metrics"
	"github.com/habgate/habgate/internal/subscribe"
	"github.com/habgate/habgate/internal/upstream"
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// DeltaFetcher resolves a client-originated fetchDelta request. The
// returned payload is merged with the request id into the response
// frame.
type DeltaFetcher interface {
	FetchDelta(ctx context.Context, rawURL, since string) (map[string]any, error)
}

// Hub tracks connected clients and fans bus events out to them.
type Hub struct {
	cfg     *config.Manager
	subs    *subscribe.Manager
	bus     *events.Bus
	status  *upstream.StatusTracker
	fetcher DeltaFetcher

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(cfg *config.Manager, subs *subscribe.Manager, bus *events.Bus, status *upstream.StatusTracker, fetcher DeltaFetcher) *Hub {
	return &Hub{
		cfg:     cfg,
		subs:    subs,
		bus:     bus,
		status:  status,
		fetcher: fetcher,
		clients: make(map[*client]struct{}),
	}
}

// SetFetcher installs the delta resolver. The hub and the HTTP server
// reference each other; the server is constructed second and injects
// itself here.
func (h *Hub) SetFetcher(f DeltaFetcher) {
	h.fetcher = f
}

// Run pumps bus events to the connected clients until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	id, ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.dispatch(e)
		}
	}
}

func (h *Hub) dispatch(e events.Event) {
	switch e.Type {
	case events.EventItemUpdate:
		h.Broadcast("update", map[string]any{"type": "items", "changes": e.Changes})
	case events.EventBackendStatus:
		h.Broadcast("backendStatus", map[string]any{"ok": e.OK, "error": e.Error})
	case events.EventAssetVersion:
		h.Broadcast("assetVersionChanged", map[string]any{"version": e.Version})
	}
}

// Broadcast encodes the frame once and sends it to every client. A
// client whose queue is full is dropped rather than blocking the hub.
func (h *Hub) Broadcast(event string, data any) {
	msg, err := encodeFrame(event, data)
	if err != nil {
		slog.Error("broadcast encode failed", "event", event, "error", err)
		return
	}
	metrics.Broadcasts.WithLabelValues(event).Inc()

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.trySend(msg)
	}
}

// CloseUser sends account-deleted to every socket owned by the user
// and closes them. Driven by the IPC socket.
func (h *Hub) CloseUser(user string) int {
	msg, err := encodeFrame("account-deleted", nil)
	if err != nil {
		return 0
	}

	h.mu.Lock()
	var victims []*client
	for c := range h.clients {
		if c.user == user {
			victims = append(victims, c)
		}
	}
	h.mu.Unlock()

	for _, c := range victims {
		c.trySend(msg)
		c.close()
	}
	return len(victims)
}

// Counts returns connected and focused client counts.
func (h *Hub) Counts() (clients, focused int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.countsLocked()
}

func (h *Hub) countsLocked() (clients, focused int) {
	clients = len(h.clients)
	for c := range h.clients {
		if c.focused.Load() {
			focused++
		}
	}
	return clients, focused
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	clients, focused := h.countsLocked()
	h.mu.Unlock()

	metrics.ConnectedClients.Set(float64(clients))
	h.subs.SetDemand(clients, focused)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	// Focus is cleared before the recount so a focused client's exit
	// flips the polling interval in the same step.
	c.focused.Store(false)
	delete(h.clients, c)
	clients, focused := h.countsLocked()
	h.mu.Unlock()

	metrics.ConnectedClients.Set(float64(clients))
	h.subs.SetDemand(clients, focused)
}

// focusChanged re-derives the focused count after a clientState frame.
func (h *Hub) focusChanged() {
	h.mu.Lock()
	clients, focused := h.countsLocked()
	h.mu.Unlock()
	h.subs.SetDemand(clients, focused)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.close()
	}
}
