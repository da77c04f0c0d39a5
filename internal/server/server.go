// Package server is the HTTP surface: the sitemap delta endpoint,
// upstream passthrough, the walk/search endpoints, the small /api
// namespace, and the listeners that carry all of it plus the WebSocket
// upgrade path.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/habgate/habgate/internal/auth"
	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/delta"
	"github.com/habgate/habgate/internal/events"
	"github.com/habgate/habgate/internal/hub"
	"github.com/habgate/habgate/internal/state"
	"github.com/habgate/habgate/internal/store"
	"github.com/habgate/habgate/internal/subscribe"
	"github.com/habgate/habgate/internal/upstream"
)

// Server wires the HTTP routes to the engine components and owns the
// listeners.
type Server struct {
	cfg      *config.Manager
	store    store.Store
	authn    *auth.Authenticator
	client   *upstream.Client
	detector *state.Detector
	cache    *delta.Cache
	subs     *subscribe.Manager
	logs     *events.LogHandler

	wsHandler    http.Handler
	loginHandler http.Handler

	handler http.Handler

	restartOnce sync.Once
	// Restart fires once when a config change needs a process restart.
	Restart chan struct{}
}

type Deps struct {
	Config   *config.Manager
	Store    store.Store
	Auth     *auth.Authenticator
	Client   *upstream.Client
	Detector *state.Detector
	Cache    *delta.Cache
	Subs     *subscribe.Manager
	Logs     *events.LogHandler
	Hub      *hub.Hub
}

func New(d Deps) *Server {
	s := &Server{
		cfg:          d.Config,
		store:        d.Store,
		authn:        d.Auth,
		client:       d.Client,
		detector:     d.Detector,
		cache:        d.Cache,
		subs:         d.Subs,
		logs:         d.Logs,
		wsHandler:    hub.NewHandler(d.Hub, d.Auth),
		loginHandler: auth.NewLoginHandler(d.Auth),
		Restart:      make(chan struct{}),
	}
	s.handler = s.middleware(s.routes())
	return s
}

// Handler returns the full middleware-wrapped handler (tests dial it
// through httptest).
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the configured listeners and blocks until ctx is done,
// then drains them.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Current()

	var servers []*http.Server
	errCh := make(chan error, 2)

	if cfg.HTTP.Enabled {
		srv := &http.Server{
			Addr:              net.JoinHostPort(cfg.HTTP.Host, fmt.Sprintf("%d", cfg.HTTP.Port)),
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		go func() {
			slog.Info("http listener started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http listener: %w", err)
			}
		}()
	}

	if cfg.HTTPS.Enabled {
		srv := &http.Server{
			Addr:              net.JoinHostPort(cfg.HTTPS.Host, fmt.Sprintf("%d", cfg.HTTPS.Port)),
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
			TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
		}
		if cfg.HTTPS.HTTP2 {
			if err := http2.ConfigureServer(srv, nil); err != nil {
				return fmt.Errorf("configure http2: %w", err)
			}
		}
		servers = append(servers, srv)
		go func() {
			slog.Info("https listener started", "addr", srv.Addr, "http2", cfg.HTTPS.HTTP2)
			if err := srv.ListenAndServeTLS(cfg.HTTPS.CertFile, cfg.HTTPS.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("listener shutdown", "error", err)
		}
	}
	return nil
}

// requestRestart signals that the process should exit and be restarted
// by the supervisor. Fired after the in-flight response completed.
func (s *Server) requestRestart() {
	s.restartOnce.Do(func() {
		close(s.Restart)
	})
}
