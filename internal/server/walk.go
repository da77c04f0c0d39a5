package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/habgate/habgate/internal/auth"
	"github.com/habgate/habgate/internal/sitemap"
	"github.com/habgate/habgate/internal/upstream"
)

// maxWalkPages bounds the BFS so a pathological sitemap cannot turn one
// request into an unbounded upstream fan-out.
const maxWalkPages = 64

// handleSitemapFull BFS-walks every linked page starting from a sitemap
// homepage (?sitemap=N) or an explicit page (?root=P) and returns the
// whole tree in one response.
func (s *Server) handleSitemapFull(w http.ResponseWriter, r *http.Request) {
	pages, root, err := s.walkPages(r.Context(), r.URL.Query())
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages, "root": root})
}

// handleSearchIndex returns the same walk flattened into searchable
// widget rows, filtered by the caller's role.
func (s *Server) handleSearchIndex(w http.ResponseWriter, r *http.Request) {
	pages, _, err := s.walkPages(r.Context(), r.URL.Query())
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	cfg := s.cfg.Current()
	admin := s.isAdmin(r)
	var rows []sitemap.FlatWidget
	for _, p := range pages {
		for _, fw := range sitemap.Flatten(p) {
			rule, ok := cfg.WidgetRules[fw.ItemName]
			if ok && (rule.Hidden || (rule.AdminOnly && !admin)) {
				continue
			}
			rows = append(rows, fw)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"widgets": rows})
}

// walkPages resolves the root page and follows linkedPage references
// breadth-first. Pages are keyed by their upstream request path.
func (s *Server) walkPages(ctx context.Context, q url.Values) (map[string]*sitemap.Page, string, error) {
	rootPath, err := s.resolveRoot(ctx, q)
	if err != nil {
		return nil, "", err
	}

	pages := make(map[string]*sitemap.Page)
	queue := []string{rootPath}
	overrides := s.detector.Overrides()

	for len(queue) > 0 && len(pages) < maxWalkPages {
		path := queue[0]
		queue = queue[1:]
		if _, seen := pages[path]; seen {
			continue
		}

		page, err := s.fetchPage(ctx, path)
		if err != nil {
			// A broken link inside the tree is skipped, a broken root is
			// fatal.
			if path == rootPath {
				return nil, "", err
			}
			continue
		}
		sitemap.OverrideItemStates(page, overrides)
		pages[path] = page

		collectLinks(page.Widgets, func(link string) {
			if p := pagePath(link); p != "" {
				queue = append(queue, p)
			}
		})
	}
	return pages, rootPath, nil
}

// resolveRoot picks the walk's starting page path: an explicit root, or
// the homepage of the named (or configured) sitemap.
func (s *Server) resolveRoot(ctx context.Context, q url.Values) (string, error) {
	if root := q.Get("root"); root != "" {
		if p := pagePath(root); p != "" {
			return p, nil
		}
		return "", fmt.Errorf("unusable root %q", root)
	}

	name := q.Get("sitemap")
	if name == "" {
		name = s.cfg.Current().Subscribe.SitemapName
	}
	var sm sitemap.Sitemap
	if err := s.client.GetJSON(ctx, "/rest/sitemaps/"+url.PathEscape(name)+"?type=json", &sm); err != nil {
		return "", err
	}
	if sm.Homepage == nil {
		return "", fmt.Errorf("sitemap %q has no homepage", name)
	}
	if p := pagePath(sm.Homepage.Link); p != "" {
		return p, nil
	}
	return "/rest/sitemaps/" + url.PathEscape(name) + "/" + url.PathEscape(sm.Homepage.ID), nil
}

func (s *Server) fetchPage(ctx context.Context, path string) (*sitemap.Page, error) {
	resp, err := s.client.Get(ctx, path+"?type=json", nil)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &upstream.StatusError{Code: resp.Status}
	}
	var page sitemap.Page
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, fmt.Errorf("parse page %s: %w", path, err)
	}
	return &page, nil
}

func collectLinks(ws []*sitemap.Widget, add func(string)) {
	for _, w := range ws {
		if w.LinkedPage != nil && w.LinkedPage.Link != "" {
			add(w.LinkedPage.Link)
		}
		collectLinks(w.Children, add)
	}
}

// pagePath turns an upstream page link (absolute URL or bare path) into
// the request path, dropping any query.
func pagePath(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Path
}

func (s *Server) isAdmin(r *http.Request) bool {
	cfg := s.cfg.Current()
	if !cfg.Auth.Enabled {
		return true
	}
	id := auth.FromContext(r.Context())
	return cfg.Auth.AdminUser != "" && id != nil && id.User == cfg.Auth.AdminUser
}
