// Package delta serves bandwidth-efficient sitemap responses: it keeps
// a short history of page snapshots per URL and answers a client's
// "what changed since hash H" with either a changes list or a full
// page.
package delta

import (
	"container/list"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/habgate/habgate/internal/metrics"
	"github.com/habgate/habgate/internal/sitemap"
)

// historyDepth is the per-key snapshot window. Clients lagging more
// than this many server updates get a full page again.
const historyDepth = 5

// Result is the delta endpoint response body.
type Result struct {
	Delta   bool                     `json:"delta"`
	Hash    string                   `json:"hash"`
	Title   string                   `json:"title,omitempty"`
	Changes []sitemap.WidgetSnapshot `json:"changes,omitempty"`
	Page    any                      `json:"page,omitempty"`
}

// Cache holds per-URL snapshot histories, capped across keys with
// least-recently-inserted eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // back = most recently inserted into
}

type cacheEntry struct {
	key     string
	history []*sitemap.PageSnapshot // oldest first, len <= historyDepth
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// CanonicalKey normalizes a sitemap request into the cache key: the
// path plus its query with delta/since stripped, type=json forced, and
// parameters sorted.
func CanonicalKey(path string, q url.Values) string {
	canonical := url.Values{}
	for k, vs := range q {
		if k == "delta" || k == "since" {
			continue
		}
		canonical[k] = vs
	}
	canonical.Set("type", "json")

	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(path)
	sb.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strings.Join(canonical[k], ","))
	}
	return sb.String()
}

// Compute diffs the fresh snapshot against the client's baseline and
// appends the snapshot to the key's history. fullPage is the response
// payload when no delta can be served; maxKeys caps the cache.
func (c *Cache) Compute(key, since string, snap *sitemap.PageSnapshot, fullPage any, maxKeys int) *Result {
	result := c.diff(key, since, snap, fullPage)
	c.append(key, snap, maxKeys)
	return result
}

func (c *Cache) diff(key, since string, snap *sitemap.PageSnapshot, fullPage any) *Result {
	full := &Result{Delta: false, Hash: snap.ContentHash, Title: snap.Title, Page: fullPage}
	if since == "" {
		metrics.DeltaCacheLookups.WithLabelValues("full").Inc()
		return full
	}

	base := c.find(key, since)
	if base == nil {
		metrics.DeltaCacheLookups.WithLabelValues("miss").Inc()
		return full
	}
	if base.StructuralHash != snap.StructuralHash {
		metrics.DeltaCacheLookups.WithLabelValues("full").Inc()
		return full
	}

	changes := make([]sitemap.WidgetSnapshot, 0)
	for _, k := range snap.Keys() {
		next, ok := snap.Entries[k]
		if !ok {
			continue
		}
		prev, ok := base.Entries[k]
		if !ok {
			// Structural hashes matched but the key is new to the
			// cached snapshot; the diff would be unsound.
			metrics.DeltaCacheLookups.WithLabelValues("full").Inc()
			return full
		}
		if entryChanged(prev, next) {
			changes = append(changes, next)
		}
	}

	metrics.DeltaCacheLookups.WithLabelValues("delta").Inc()
	return &Result{Delta: true, Hash: snap.ContentHash, Title: snap.Title, Changes: changes}
}

func entryChanged(prev, next sitemap.WidgetSnapshot) bool {
	return prev.Label != next.Label ||
		prev.State != next.State ||
		prev.ValueColor != next.ValueColor ||
		prev.Icon != next.Icon ||
		prev.MappingsSignature != next.MappingsSignature
}

// find searches the key's history most-recent-first for a snapshot with
// the given content hash.
func (c *Cache) find(key, contentHash string) *sitemap.PageSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := el.Value.(*cacheEntry)
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ContentHash == contentHash {
			return e.history[i]
		}
	}
	return nil
}

// append records the snapshot, trimming the key's history to
// historyDepth and evicting the least-recently-inserted key past
// maxKeys.
func (c *Cache) append(key string, snap *sitemap.PageSnapshot, maxKeys int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		e.history = append(e.history, snap)
		if len(e.history) > historyDepth {
			e.history = e.history[len(e.history)-historyDepth:]
		}
		c.order.MoveToBack(el)
	} else {
		el := c.order.PushBack(&cacheEntry{key: key, history: []*sitemap.PageSnapshot{snap}})
		c.entries[key] = el
	}

	for maxKeys > 0 && len(c.entries) > maxKeys {
		front := c.order.Front()
		if front == nil {
			break
		}
		evicted := front.Value.(*cacheEntry)
		c.order.Remove(front)
		delete(c.entries, evicted.key)
	}
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HistoryLen returns the history depth for one key.
func (c *Cache) HistoryLen(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		return len(el.Value.(*cacheEntry).history)
	}
	return 0
}
