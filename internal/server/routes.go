package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /manifest.json", s.handleManifest)
	mux.Handle("/login", s.loginHandler)
	mux.Handle("/ws", s.wsHandler)

	mux.HandleFunc("GET /rest/sitemaps/", s.handleSitemap)
	mux.HandleFunc("POST /rest/items/{item}", s.handleCommand)
	mux.HandleFunc("/rest/", s.handlePassthrough)

	mux.HandleFunc("GET /sitemap-full", s.handleSitemapFull)
	mux.HandleFunc("GET /search-index", s.handleSearchIndex)
	mux.HandleFunc("GET /config.js", s.handleConfigJS)

	mux.HandleFunc("GET /api/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/ping", s.handlePing)
	mux.HandleFunc("GET /api/logs", s.requireAdmin(s.handleLogs))
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleSetSettings)

	metricsHandler := promhttp.Handler()
	mux.HandleFunc("GET /metrics", s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		metricsHandler.ServeHTTP(w, r)
	}))

	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<!DOCTYPE html><html><head><title>habgate</title></head><body>habgate</body></html>\n"))
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/manifest+json")
	w.Write([]byte(`{"name":"habgate","short_name":"habgate","start_url":"/","display":"standalone"}` + "\n"))
}
