package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/habgate/habgate/internal/access"
	"github.com/habgate/habgate/internal/auth"
)

// middleware wraps the route mux with, outermost first: request
// logging, config reload check, network gates, and authentication.
func (s *Server) middleware(next http.Handler) http.Handler {
	h := s.authMiddleware(next)
	h = s.accessMiddleware(h)
	h = s.reloadMiddleware(h)
	h = requestLogger(h)
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upgrade handler hijacks the connection; wrapping its
		// ResponseWriter would break that.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Microsecond))
	})
}

// reloadMiddleware runs the cheap per-request mtime check and, when a
// reload crossed a restart-required key, schedules the process exit
// after this response completes.
func (s *Server) reloadMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.cfg.MaybeReload()
		next.ServeHTTP(w, r)
		if s.cfg.RestartRequested.Load() {
			s.requestRestart()
		}
	})
}

func (s *Server) accessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfg.Current()
		if !access.SubnetAllowed(cfg, r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "forbidden", "address not allowed")
			return
		}
		if access.Denied(cfg, r) {
			writeError(w, http.StatusForbidden, "forbidden", "address denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfg.Current()
		if !cfg.Auth.Enabled || s.authExempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		id, err := s.authn.Resolve(r)
		if err != nil {
			s.rejectAuth(w, err)
			return
		}
		if id.LegacyCookie {
			if minted, err := s.authn.UpgradeLegacy(r.Context(), id); err == nil {
				auth.SetCookie(w, r, minted, cfg.CookieTTL())
			}
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// authExempt lists the paths that skip credential resolution: the login
// endpoint, the WebSocket upgrade (which gates itself), the trivial
// ping, and the PWA manifest when the Referer host matches ours.
func (s *Server) authExempt(r *http.Request) bool {
	switch r.URL.Path {
	case "/login", "/ws", "/api/ping":
		return true
	case "/manifest.json":
		return refererMatchesHost(r)
	}
	return false
}

func refererMatchesHost(r *http.Request) bool {
	ref := r.Header.Get("Referer")
	if ref == "" {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) rejectAuth(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrLockedOut):
		writeError(w, http.StatusTooManyRequests, "locked_out", "too many failed attempts")
	case errors.Is(err, auth.ErrUserDisabled):
		// Intentionally opaque: no body, no WWW-Authenticate.
		w.WriteHeader(http.StatusInternalServerError)
	case errors.Is(err, auth.ErrConfigUnavailable):
		writeError(w, http.StatusInternalServerError, "auth_unavailable", "Auth config unavailable")
	default:
		w.Header().Set("WWW-Authenticate", `Basic realm="habgate"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	}
}

// requireAdmin gates debug surfaces on the configured admin user.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfg.Current()
		if !cfg.Auth.Enabled {
			next(w, r)
			return
		}
		id := auth.FromContext(r.Context())
		if cfg.Auth.AdminUser == "" || id == nil || id.User != cfg.Auth.AdminUser {
			writeError(w, http.StatusForbidden, "forbidden", "admin only")
			return
		}
		next(w, r)
	}
}
