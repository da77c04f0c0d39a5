package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/habgate/habgate/internal/access"
	"github.com/habgate/habgate/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The proxy serves its own UI; cross-origin upgrades are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler gates and upgrades WebSocket connections at /ws.
type Handler struct {
	hub  *Hub
	auth *auth.Authenticator
}

func NewHandler(h *Hub, a *auth.Authenticator) *Handler {
	return &Handler{hub: h, auth: a}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.hub.cfg.Current()

	if !access.SubnetAllowed(cfg, r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if access.Denied(cfg, r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	user := ""
	if cfg.Auth.Enabled {
		id, err := h.auth.Resolve(r)
		if err != nil {
			h.rejectUpgrade(w, err)
			return
		}
		user = id.User
	}

	// Compression negotiation is disabled outright.
	r.Header.Del("Sec-WebSocket-Extensions")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h.hub, conn, user)
	h.hub.register(c)

	c.sendFrame("connected", map[string]any{
		"user":    user,
		"version": cfg.AssetVersion,
	})
	ok, errMsg := h.hub.status.Current()
	c.sendFrame("backendStatus", map[string]any{"ok": ok, "error": errMsg})

	go c.writePump()
	// The request context dies when ServeHTTP returns; the hijacked
	// connection outlives it.
	go c.readPump(context.Background())
}

func (h *Handler) rejectUpgrade(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrLockedOut):
		http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
	case errors.Is(err, auth.ErrUserDisabled):
		// Opaque: no body, no WWW-Authenticate.
		w.WriteHeader(http.StatusInternalServerError)
	case errors.Is(err, auth.ErrConfigUnavailable):
		http.Error(w, "auth config unavailable", http.StatusInternalServerError)
	default:
		w.Header().Set("WWW-Authenticate", `Basic realm="habgate"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}
