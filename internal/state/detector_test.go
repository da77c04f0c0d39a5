package state

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/events"
	"github.com/habgate/habgate/internal/transport"
	"github.com/habgate/habgate/internal/upstream"
)

func newTestDetector(t *testing.T, upstreamURL string, groups ...string) (*Detector, *events.Bus) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Upstream.BaseURL = upstreamURL
	cfg.GroupItems = groups
	mgr := config.Static(cfg)

	bus := events.NewBus(16)
	tm := transport.NewManager()
	t.Cleanup(tm.Close)
	client := upstream.NewClient(mgr, tm, upstream.NewStatusTracker(bus, 0))
	return NewDetector(mgr, client, bus), bus
}

func TestFirstObservationSeedsSilently(t *testing.T) {
	d, bus := newTestDetector(t, "http://127.0.0.1:1")
	_, ch := bus.Subscribe()
	batch := []events.ItemChange{{Name: "A", State: "OFF"}, {Name: "B", State: "OFF"}}

	first := d.Apply(context.Background(), batch)
	if len(first) != 0 {
		t.Fatalf("first batch confirmed %d changes, want 0", len(first))
	}
	select {
	case e := <-ch:
		t.Fatalf("first batch must seed without publishing, got %+v", e)
	default:
	}
	if got, ok := d.State("A"); !ok || got != "OFF" {
		t.Fatalf("state[A] = (%q, %v) after seeding", got, ok)
	}

	second := d.Apply(context.Background(), []events.ItemChange{
		{Name: "A", State: "ON"}, {Name: "B", State: "OFF"},
	})
	if len(second) != 1 || second[0].Name != "A" || second[0].State != "ON" {
		t.Fatalf("transition batch confirmed %v, want A=ON only", second)
	}
	select {
	case e := <-ch:
		if e.Type != events.EventItemUpdate || len(e.Changes) != 1 {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("transition batch must publish")
	}

	third := d.Apply(context.Background(), []events.ItemChange{
		{Name: "A", State: "ON"}, {Name: "B", State: "OFF"},
	})
	if len(third) != 0 {
		t.Fatalf("identical batch confirmed %d changes, want 0", len(third))
	}
	select {
	case e := <-ch:
		t.Fatalf("identical batch must not publish, got %+v", e)
	default:
	}
}

func TestBroadcastImpliesTableUpdated(t *testing.T) {
	d, _ := newTestDetector(t, "http://127.0.0.1:1")
	d.Apply(context.Background(), []events.ItemChange{{Name: "A", State: "ON"}})

	changed := d.Apply(context.Background(), []events.ItemChange{{Name: "A", State: "OFF"}})
	if len(changed) == 0 {
		t.Fatal("transition not confirmed")
	}
	for _, ch := range changed {
		got, ok := d.State(ch.Name)
		if !ok || got != ch.State {
			t.Fatalf("state[%s] = (%q, %v) after broadcast of %q", ch.Name, got, ok, ch.State)
		}
	}
}

func TestEmptyBatchLeavesTableUntouched(t *testing.T) {
	d, _ := newTestDetector(t, "http://127.0.0.1:1")
	d.Apply(context.Background(), []events.ItemChange{{Name: "A", State: "ON"}})

	if changed := d.Apply(context.Background(), nil); len(changed) != 0 {
		t.Fatalf("empty batch confirmed %v", changed)
	}
	if got, _ := d.State("A"); got != "ON" {
		t.Fatalf("state mutated by empty batch: %q", got)
	}
}

func TestGroupAggregateSynthesis(t *testing.T) {
	var frontState atomic.Value
	frontState.Store("OPEN")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/items/Doors" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Doors","state":"ON","members":[
			{"name":"Front","state":"` + frontState.Load().(string) + `"},
			{"name":"Back","state":"OPEN"},
			{"name":"Garage","state":"CLOSED"}
		]}`))
	}))
	defer srv.Close()

	d, _ := newTestDetector(t, srv.URL, "Doors")

	// First computation seeds the aggregate without emitting a change;
	// the override map is populated regardless.
	changed := d.Apply(context.Background(), []events.ItemChange{{Name: "A", State: "ON"}})
	for _, c := range changed {
		if c.Name == "Doors" {
			t.Fatalf("first aggregate emitted: %+v", changed)
		}
	}
	if ov := d.Overrides(); ov["Doors"] != "2" {
		t.Fatalf("overrides = %v", ov)
	}

	// A member closing changes the count; the aggregate is emitted.
	frontState.Store("CLOSED")
	changed = d.Apply(context.Background(), []events.ItemChange{{Name: "A", State: "OFF"}})
	var doors *events.ItemChange
	for i := range changed {
		if changed[i].Name == "Doors" {
			doors = &changed[i]
		}
	}
	if doors == nil || doors.State != "1" {
		t.Fatalf("group change = %+v, want Doors=1", changed)
	}

	// Same member states again: the aggregate is unchanged, no new event.
	changed = d.Apply(context.Background(), []events.ItemChange{{Name: "A", State: "ON"}})
	for _, c := range changed {
		if c.Name == "Doors" {
			t.Fatalf("unchanged aggregate re-emitted: %+v", changed)
		}
	}
}

func TestGroupInBatchSkipsRecompute(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.Write([]byte(`{"name":"Doors","members":[]}`))
	}))
	defer srv.Close()

	d, _ := newTestDetector(t, srv.URL, "Doors")
	d.Apply(context.Background(), []events.ItemChange{{Name: "Doors", State: "1"}})
	if requests != 0 {
		t.Fatalf("aggregate refetched despite being in the batch (%d requests)", requests)
	}
}

func TestPruneStaleDropsItemsOutsideLastPoll(t *testing.T) {
	d, _ := newTestDetector(t, "http://127.0.0.1:1")
	d.Apply(context.Background(), []events.ItemChange{
		{Name: "Kept", State: "ON"},
		{Name: "Gone", State: "ON"},
	})

	d.MarkFullPoll([]string{"Kept"})
	if err := d.PruneStale(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, ok := d.State("Kept"); !ok {
		t.Fatal("polled item must survive pruning")
	}
	if _, ok := d.State("Gone"); ok {
		t.Fatal("unpolled item must be pruned")
	}
}

func TestResetReleasesState(t *testing.T) {
	d, _ := newTestDetector(t, "http://127.0.0.1:1")
	d.Apply(context.Background(), []events.ItemChange{{Name: "A", State: "ON"}})

	d.Reset()
	if _, ok := d.State("A"); ok {
		t.Fatal("reset must clear the table")
	}
	if ov := d.Overrides(); ov != nil {
		t.Fatalf("reset must clear overrides, got %v", ov)
	}
}
