package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// cacheEntry holds one cached Result plus its expiry.
type cacheEntry struct {
	result  Result
	expires time.Time
}

// resultCache is a short-TTL cache over full Result payloads, keyed on the
// normalized query shape. A write anywhere in the store invalidates the
// whole cache synchronously (spec's read-after-write guarantee), rather
// than tracking per-document keys, since a single write can change the
// ranking of any cached query.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func cacheKey(q Query) string {
	layers := make([]string, len(q.Layers))
	for i, l := range q.Layers {
		layers[i] = string(l)
	}
	sort.Strings(layers)

	normalized := strings.ToLower(strings.TrimSpace(q.Text))
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		normalized, q.Mode, q.Limit, q.Type, q.Project, strings.Join(layers, ","))
}

func (c *resultCache) get(q Query) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(q)]
	if !ok || time.Now().After(entry.expires) {
		return Result{}, false
	}
	return entry.result, true
}

func (c *resultCache) put(q Query, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(q)] = cacheEntry{result: r, expires: time.Now().Add(c.ttl)}
}

// Invalidate drops every cached entry. Called after any Store write that
// could change retrieval results: document create/update/archive/delete
// and consolidation.
func (c *resultCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
