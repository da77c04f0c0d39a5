package server

import (
	"io"
	"net/http"
)

const maxCommandBody = 64 * 1024

// handlePassthrough forwards the request verbatim to the backend. The
// rest of the REST API is the transport for client commands and item
// queries the proxy has no opinion about.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	pathAndQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	resp, err := s.client.Forward(r.Context(), r.Method, pathAndQuery, r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// handleCommand forwards a client command as text/plain to the item.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	item := r.PathValue("item")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable command body")
		return
	}

	resp, err := s.client.SendCommand(r.Context(), item, string(body))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
