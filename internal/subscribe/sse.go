package subscribe

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/habgate/habgate/internal/events"
)

// sseEventsPath filters the upstream event stream to item state
// transitions.
const sseEventsPath = "/rest/events?topics=openhab/items/*/statechanged"

// sseRunner holds one long-lived GET against the backend's event
// stream and feeds each statechanged event through the detector.
type sseRunner struct {
	m *Manager
}

func (r *sseRunner) name() string { return "sse" }

func (r *sseRunner) run(ctx context.Context, gen uint64) {
	for {
		if ctx.Err() != nil || !r.m.current(gen) {
			return
		}

		if err := r.stream(ctx, gen); err != nil && ctx.Err() == nil {
			slog.Debug("sse stream ended", "error", err)
		}
		if !r.m.current(gen) {
			return
		}
		if !sleepCtx(ctx, r.m.cfg.Current().ReconnectDelay()) {
			return
		}
	}
}

func (r *sseRunner) stream(ctx context.Context, gen uint64) error {
	// The stream stays open indefinitely; ctx is the only timeout.
	resp, err := r.m.client.Open(ctx, sseEventsPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := NewSSEScanner(resp.Body)
	for scanner.Scan() {
		if !r.m.current(gen) {
			return nil
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		change, ok := parseStateChanged(strings.TrimSpace(line[len("data:"):]))
		if !ok {
			continue
		}
		r.m.noteUpdate()
		r.m.detector.Apply(ctx, []events.ItemChange{change})
	}
	return scanner.Err()
}

// sseEnvelope is one event frame; the payload field is itself a JSON
// document serialized into a string.
type sseEnvelope struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	Type    string `json:"type"`
}

type ssePayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// parseStateChanged extracts the item name from the topic and the new
// value from the nested payload.
func parseStateChanged(data string) (events.ItemChange, bool) {
	var env sseEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return events.ItemChange{}, false
	}

	// Topic shape: openhab/items/<name>/statechanged
	parts := strings.Split(env.Topic, "/")
	if len(parts) < 4 || parts[1] != "items" {
		return events.ItemChange{}, false
	}
	name := parts[2]

	var payload ssePayload
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil {
		return events.ItemChange{}, false
	}
	return events.ItemChange{Name: name, State: payload.Value}, true
}
