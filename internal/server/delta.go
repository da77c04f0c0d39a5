package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/habgate/habgate/internal/delta"
	"github.com/habgate/habgate/internal/sitemap"
	"github.com/habgate/habgate/internal/upstream"
)

// handleSitemap serves GET /rest/sitemaps/...: either the delta path
// (delta=1) or plain passthrough.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("delta") != "1" {
		s.handlePassthrough(w, r)
		return
	}

	result, err := s.computeDelta(r.Context(), r.URL.Path, q, q.Get("since"))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// computeDelta fetches the page, applies group overrides, snapshots it
// and asks the cache for a delta against the client's baseline hash.
func (s *Server) computeDelta(ctx context.Context, path string, q url.Values, since string) (*delta.Result, error) {
	key := delta.CanonicalKey(path, q)

	upstreamQ := url.Values{}
	for k, vs := range q {
		if k == "delta" || k == "since" {
			continue
		}
		upstreamQ[k] = vs
	}
	upstreamQ.Set("type", "json")

	resp, err := s.client.Get(ctx, path+"?"+upstreamQ.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &upstream.StatusError{Code: resp.Status}
	}

	var page sitemap.Page
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, fmt.Errorf("parse sitemap page: %w", err)
	}
	sitemap.OverrideItemStates(&page, s.detector.Overrides())
	snap := sitemap.BuildSnapshot(&page)

	return s.cache.Compute(key, since, snap, &page, s.cfg.Current().Cache.MaxKeys), nil
}

// FetchDelta resolves a WebSocket-originated delta request; the hub
// merges the payload with the request id.
func (s *Server) FetchDelta(ctx context.Context, rawURL, since string) (map[string]any, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse delta url: %w", err)
	}

	result, err := s.computeDelta(ctx, u.Path, u.Query(), since)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]any)
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
