package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/habgate/habgate/internal/auth"
)

// settingsWhitelist limits POST /api/settings to known primitive keys.
var settingsWhitelist = map[string]bool{
	"theme":             true,
	"language":          true,
	"startPage":         true,
	"showSectionLabels": true,
	"fontScale":         true,
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	ok, errMsg := s.client.Status().Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"backend": map[string]any{"ok": ok, "error": errMsg},
		"ts":      time.Now().Unix(),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("pong\n"))
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.logs.Recent()})
}

// handleConfigJS emits the client bootstrap script: a snapshot of the
// client-facing configuration plus the caller's role.
func (s *Server) handleConfigJS(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Current()

	user := ""
	role := "user"
	if id := auth.FromContext(r.Context()); id != nil {
		user = id.User
	}
	if s.isAdmin(r) {
		role = "admin"
	}

	payload, err := json.Marshal(map[string]any{
		"assetVersion": cfg.AssetVersion,
		"defaults":     cfg.ClientDefaults,
		"widgetRules":  cfg.WidgetRules,
		"user":         user,
		"role":         role,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "config encode failed")
		return
	}

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, "window.HABGATE_CONFIG = %s;\n", payload)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	user := s.requestUser(r)
	settings, err := s.store.GetSettings(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", "settings unavailable")
		return
	}

	// Stored values are JSON-encoded primitives.
	out := make(map[string]json.RawMessage, len(settings))
	for k, v := range settings {
		out[k] = json.RawMessage(v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var incoming map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, 16*1024)).Decode(&incoming); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid settings body")
		return
	}

	for key, value := range incoming {
		if !settingsWhitelist[key] {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown setting %q", key))
			return
		}
		switch value.(type) {
		case string, float64, bool:
		default:
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("setting %q must be a primitive", key))
			return
		}
	}

	user := s.requestUser(r)
	for key, value := range incoming {
		encoded, err := json.Marshal(value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "unencodable value")
			return
		}
		if err := s.store.SetSetting(r.Context(), user, key, string(encoded)); err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", "settings write failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": len(incoming)})
}

// requestUser returns the authenticated user, or the shared anonymous
// bucket when auth is disabled.
func (s *Server) requestUser(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.User
	}
	return "_anonymous"
}
