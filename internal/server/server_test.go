package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/habgate/habgate/internal/auth"
	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/delta"
	"github.com/habgate/habgate/internal/events"
	"github.com/habgate/habgate/internal/hub"
	"github.com/habgate/habgate/internal/state"
	"github.com/habgate/habgate/internal/store"
	"github.com/habgate/habgate/internal/subscribe"
	"github.com/habgate/habgate/internal/transport"
	"github.com/habgate/habgate/internal/upstream"
)

type testServer struct {
	srv      *Server
	front    *httptest.Server
	store    *store.SQLiteStore
	cfg      *config.Config
	detector *state.Detector
}

func newTestServer(t *testing.T, upstreamURL string, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Subscribe.Mode = "poll"
	cfg.Auth.CookieSecret = "test-secret"
	if mutate != nil {
		mutate(cfg)
	}
	mgr := config.Static(cfg)

	s, err := store.New(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	bus := events.NewBus(16)
	tm := transport.NewManager()
	t.Cleanup(tm.Close)
	status := upstream.NewStatusTracker(bus, 0)
	client := upstream.NewClient(mgr, tm, status)
	detector := state.NewDetector(mgr, client, bus)
	subs := subscribe.NewManager(mgr, client, detector)
	t.Cleanup(subs.Stop)
	authn := auth.NewAuthenticator(mgr, s, auth.NewLockout(mgr), auth.NewNotifier(mgr, s))
	logs := events.NewLogHandler(slog.LevelDebug, 100, io.Discard)
	wsHub := hub.New(mgr, subs, bus, status, nil)

	srv := New(Deps{
		Config:   mgr,
		Store:    s,
		Auth:     authn,
		Client:   client,
		Detector: detector,
		Cache:    delta.NewCache(),
		Subs:     subs,
		Logs:     logs,
		Hub:      wsHub,
	})
	wsHub.SetFetcher(srv)

	front := httptest.NewServer(srv.Handler())
	t.Cleanup(front.Close)
	return &testServer{srv: srv, front: front, store: s, cfg: cfg, detector: detector}
}

func seedServerUser(t *testing.T, s *store.SQLiteStore, name, pass string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := s.UpsertUser(context.Background(), &store.User{Name: name, PassHash: string(hash)}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func doReq(t *testing.T, method, url, body string, decorate func(*http.Request)) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if decorate != nil {
		decorate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

// sitemapUpstream serves one page whose Lamp state is swappable.
func sitemapUpstream(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lamp atomic.Value
	lamp.Store("ON")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/sitemaps/default/0000" {
			http.NotFound(w, r)
			return
		}
		st := lamp.Load().(string)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"0000","title":"Home","widget":[
			{"widgetId":"w1","type":"Switch","label":"Lamp [` + st + `]","item":{"name":"Lamp","state":"` + st + `"}},
			{"widgetId":"w2","type":"Text","label":"Static","item":{"name":"Temp","state":"21"}}
		]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &lamp
}

func TestDeltaEndpointFullThenDelta(t *testing.T) {
	up, lamp := sitemapUpstream(t)
	ts := newTestServer(t, up.URL, nil)
	pageURL := ts.front.URL + "/rest/sitemaps/default/0000?delta=1"

	var first delta.Result
	resp := doReq(t, http.MethodGet, pageURL, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &first)
	if first.Delta || first.Hash == "" || first.Page == nil {
		t.Fatalf("first response = %+v", first)
	}

	// Same content: empty delta against the client's baseline.
	var same delta.Result
	decodeBody(t, doReq(t, http.MethodGet, pageURL+"&since="+first.Hash, "", nil), &same)
	if !same.Delta || len(same.Changes) != 0 || same.Hash != first.Hash {
		t.Fatalf("unchanged response = %+v", same)
	}

	// Lamp flips: delta carries exactly that widget.
	lamp.Store("OFF")
	var changed delta.Result
	decodeBody(t, doReq(t, http.MethodGet, pageURL+"&since="+first.Hash, "", nil), &changed)
	if !changed.Delta || len(changed.Changes) != 1 {
		t.Fatalf("changed response = %+v", changed)
	}
	if changed.Changes[0].State != "OFF" || changed.Hash == first.Hash {
		t.Fatalf("change = %+v hash=%q", changed.Changes[0], changed.Hash)
	}

	// Unknown baseline: full page again.
	var miss delta.Result
	decodeBody(t, doReq(t, http.MethodGet, pageURL+"&since=bogus", "", nil), &miss)
	if miss.Delta || miss.Page == nil {
		t.Fatalf("miss response = %+v", miss)
	}
}

func TestDeltaAppliesGroupOverrides(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/rest/items/Doors":
			w.Write([]byte(`{"name":"Doors","state":"ON","members":[
				{"name":"Front","state":"OPEN"},{"name":"Back","state":"OPEN"}]}`))
		case "/rest/sitemaps/default/0000":
			w.Write([]byte(`{"id":"0000","title":"Home","widget":[
				{"widgetId":"w1","type":"Text","label":"Doors open","item":{"name":"Doors","state":"ON"}}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer up.Close()
	ts := newTestServer(t, up.URL, func(c *config.Config) {
		c.GroupItems = []string{"Doors"}
	})

	// An unrelated batch triggers the aggregate recompute; the
	// synthesized count then wins over the backend's raw state.
	ts.detector.Apply(context.Background(), []events.ItemChange{{Name: "X", State: "ON"}})

	var result delta.Result
	decodeBody(t, doReq(t, http.MethodGet, ts.front.URL+"/rest/sitemaps/default/0000?delta=1", "", nil), &result)
	raw, _ := json.Marshal(result.Page)
	if !strings.Contains(string(raw), `"state":"2"`) {
		t.Fatalf("aggregate override not applied: %s", raw)
	}
}

func TestUpstreamFailureMapping(t *testing.T) {
	// Connection refused: 502.
	ts := newTestServer(t, "http://127.0.0.1:1", nil)
	resp := doReq(t, http.MethodGet, ts.front.URL+"/rest/sitemaps/default/0000?delta=1", "", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("refused status = %d", resp.StatusCode)
	}
	var body errorBody
	decodeBody(t, resp, &body)
	if body.Error.Type == "" {
		t.Fatalf("error body = %+v", body)
	}

	// Upstream 500: also 502 on the delta path.
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer up.Close()
	ts = newTestServer(t, up.URL, nil)
	resp = doReq(t, http.MethodGet, ts.front.URL+"/rest/sitemaps/default/0000?delta=1", "", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("upstream 500 status = %d", resp.StatusCode)
	}

	// Upstream slower than the configured timeout: 504.
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("{}"))
	}))
	defer slow.Close()
	ts = newTestServer(t, slow.URL, func(c *config.Config) { c.Upstream.TimeoutMs = 50 })
	resp = doReq(t, http.MethodGet, ts.front.URL+"/rest/sitemaps/default/0000?delta=1", "", nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("timeout status = %d", resp.StatusCode)
	}
}

func TestCommandForwarding(t *testing.T) {
	var gotPath, gotBody, gotCT atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotPath.Store(r.URL.Path)
		gotBody.Store(string(b))
		gotCT.Store(r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer up.Close()
	ts := newTestServer(t, up.URL, nil)

	resp := doReq(t, http.MethodPost, ts.front.URL+"/rest/items/Lamp", "ON", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotPath.Load() != "/rest/items/Lamp" || gotBody.Load() != "ON" {
		t.Fatalf("forwarded = %v %v", gotPath.Load(), gotBody.Load())
	}
	if ct := gotCT.Load().(string); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
}

func TestPassthroughPropagatesContentType(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") != "json" {
			t.Errorf("query lost: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Lamp","state":"ON"}`))
	}))
	defer up.Close()
	ts := newTestServer(t, up.URL, nil)

	resp := doReq(t, http.MethodGet, ts.front.URL+"/rest/items/Lamp?type=json", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `"Lamp"`) {
		t.Fatalf("body = %s", b)
	}
}

func TestSettingsWhitelist(t *testing.T) {
	ts := newTestServer(t, "http://127.0.0.1:1", nil)
	url := ts.front.URL + "/api/settings"

	resp := doReq(t, http.MethodPost, url, `{"theme":"dark","fontScale":1.25}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	var settings map[string]json.RawMessage
	decodeBody(t, doReq(t, http.MethodGet, url, "", nil), &settings)
	if string(settings["theme"]) != `"dark"` || string(settings["fontScale"]) != "1.25" {
		t.Fatalf("settings = %v", settings)
	}

	if resp = doReq(t, http.MethodPost, url, `{"evil":"x"}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown key status = %d", resp.StatusCode)
	}
	if resp = doReq(t, http.MethodPost, url, `{"theme":{"nested":true}}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-primitive status = %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareRejections(t *testing.T) {
	ts := newTestServer(t, "http://127.0.0.1:1", func(c *config.Config) {
		c.Auth.Enabled = true
	})
	seedServerUser(t, ts.store, "alice", "hunter2")

	// Anonymous: 401 with a challenge and the JSON error shape.
	resp := doReq(t, http.MethodGet, ts.front.URL+"/api/heartbeat", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("anonymous = %d %q", resp.StatusCode, resp.Header.Get("WWW-Authenticate"))
	}
	var body errorBody
	decodeBody(t, resp, &body)
	if body.Error.Type != "unauthorized" {
		t.Fatalf("error body = %+v", body)
	}

	// Exempt paths answer without credentials.
	if resp = doReq(t, http.MethodGet, ts.front.URL+"/api/ping", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("ping = %d", resp.StatusCode)
	}

	// The manifest is exempt only when the Referer host matches.
	resp = doReq(t, http.MethodGet, ts.front.URL+"/manifest.json", "", func(r *http.Request) {
		r.Header.Set("Referer", ts.front.URL+"/")
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest with referer = %d", resp.StatusCode)
	}
	if resp = doReq(t, http.MethodGet, ts.front.URL+"/manifest.json", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("manifest without referer = %d", resp.StatusCode)
	}

	// Good credentials work.
	withAuth := func(r *http.Request) { r.SetBasicAuth("alice", "hunter2") }
	if resp = doReq(t, http.MethodGet, ts.front.URL+"/api/heartbeat", "", withAuth); resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated = %d", resp.StatusCode)
	}
}

func TestLockoutOverHTTP(t *testing.T) {
	ts := newTestServer(t, "http://127.0.0.1:1", func(c *config.Config) {
		c.Auth.Enabled = true
	})
	seedServerUser(t, ts.store, "alice", "hunter2")
	badAuth := func(r *http.Request) { r.SetBasicAuth("alice", "wrong") }

	for i := 0; i < 2; i++ {
		resp := doReq(t, http.MethodGet, ts.front.URL+"/api/heartbeat", "", badAuth)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d", i+1, resp.StatusCode)
		}
	}
	resp := doReq(t, http.MethodGet, ts.front.URL+"/api/heartbeat", "", badAuth)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third attempt = %d", resp.StatusCode)
	}

	// The lock holds even for correct credentials.
	resp = doReq(t, http.MethodGet, ts.front.URL+"/api/heartbeat", "", func(r *http.Request) {
		r.SetBasicAuth("alice", "hunter2")
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("locked correct creds = %d", resp.StatusCode)
	}
}

func TestDisabledUserIsOpaque(t *testing.T) {
	ts := newTestServer(t, "http://127.0.0.1:1", func(c *config.Config) {
		c.Auth.Enabled = true
	})
	seedServerUser(t, ts.store, "dave", "pw")
	if err := ts.store.SetUserDisabled(context.Background(), "dave", true); err != nil {
		t.Fatalf("disable: %v", err)
	}

	resp := doReq(t, http.MethodGet, ts.front.URL+"/api/heartbeat", "", func(r *http.Request) {
		r.SetBasicAuth("dave", "pw")
	})
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusInternalServerError || len(b) != 0 {
		t.Fatalf("disabled = %d body=%q", resp.StatusCode, b)
	}
	if resp.Header.Get("WWW-Authenticate") != "" {
		t.Fatal("disabled rejection must not carry a challenge")
	}
}

func TestConfigJS(t *testing.T) {
	ts := newTestServer(t, "http://127.0.0.1:1", func(c *config.Config) {
		c.AssetVersion = "v9"
		c.WidgetRules = map[string]config.WidgetRule{"Secret": {Hidden: true}}
	})

	resp := doReq(t, http.MethodGet, ts.front.URL+"/config.js", "", nil)
	b, _ := io.ReadAll(resp.Body)
	script := string(b)
	if !strings.HasPrefix(script, "window.HABGATE_CONFIG = {") {
		t.Fatalf("script = %q", script)
	}
	if !strings.Contains(script, `"assetVersion":"v9"`) || !strings.Contains(script, `"Secret"`) {
		t.Fatalf("script = %q", script)
	}
	// Auth disabled: everyone is admin.
	if !strings.Contains(script, `"role":"admin"`) {
		t.Fatalf("script = %q", script)
	}
}

func TestSitemapFullWalkAndSearchIndex(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/rest/sitemaps/default":
			w.Write([]byte(`{"name":"default","homepage":{"id":"0000","link":"/rest/sitemaps/default/0000"}}`))
		case "/rest/sitemaps/default/0000":
			w.Write([]byte(`{"id":"0000","title":"Home","widget":[
				{"widgetId":"w1","type":"Text","label":"Nav","linkedPage":{"id":"0100","link":"/rest/sitemaps/default/0100"}},
				{"widgetId":"w2","type":"Switch","label":"Lamp","item":{"name":"Lamp","state":"ON"}}
			]}`))
		case "/rest/sitemaps/default/0100":
			w.Write([]byte(`{"id":"0100","title":"Cellar","widget":[
				{"widgetId":"w3","type":"Text","label":"Hidden one","item":{"name":"Secret","state":"1"}}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer up.Close()
	ts := newTestServer(t, up.URL, func(c *config.Config) {
		c.WidgetRules = map[string]config.WidgetRule{"Secret": {Hidden: true}}
	})

	var full struct {
		Pages map[string]json.RawMessage `json:"pages"`
		Root  string                     `json:"root"`
	}
	resp := doReq(t, http.MethodGet, ts.front.URL+"/sitemap-full", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &full)
	if len(full.Pages) != 2 || full.Root != "/rest/sitemaps/default/0000" {
		t.Fatalf("walk = root %q, %d pages", full.Root, len(full.Pages))
	}

	var idx struct {
		Widgets []map[string]any `json:"widgets"`
	}
	decodeBody(t, doReq(t, http.MethodGet, ts.front.URL+"/search-index", "", nil), &idx)
	for _, row := range idx.Widgets {
		if row["itemName"] == "Secret" {
			t.Fatalf("hidden item leaked: %v", idx.Widgets)
		}
	}
	found := false
	for _, row := range idx.Widgets {
		if row["itemName"] == "Lamp" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Lamp missing from index: %v", idx.Widgets)
	}
}

func TestHeartbeat(t *testing.T) {
	ts := newTestServer(t, "http://127.0.0.1:1", nil)

	var hb struct {
		OK      bool           `json:"ok"`
		Backend map[string]any `json:"backend"`
		TS      int64          `json:"ts"`
	}
	decodeBody(t, doReq(t, http.MethodGet, ts.front.URL+"/api/heartbeat", "", nil), &hb)
	if !hb.OK || hb.TS == 0 || hb.Backend == nil {
		t.Fatalf("heartbeat = %+v", hb)
	}
}
