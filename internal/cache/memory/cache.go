// Package memory provides an in-process page cache with TTL expiry.
package memory

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// Cache is a TTL map keyed by URL. It is safe for concurrent use.
type Cache struct {
	ttl   time.Duration
	clock crawler.Clock

	mu    sync.RWMutex
	pages map[string]crawler.CachedPage
}

// New returns a cache whose entries expire ttl after they were stored. A
// non-positive ttl keeps entries forever.
func New(ttl time.Duration, clock crawler.Clock) *Cache {
	return &Cache{ttl: ttl, clock: clock, pages: make(map[string]crawler.CachedPage)}
}

// Get returns a fresh copy of url, if any.
func (c *Cache) Get(_ context.Context, url string) (crawler.CachedPage, bool, error) {
	c.mu.RLock()
	page, ok := c.pages[url]
	c.mu.RUnlock()
	if !ok {
		return crawler.CachedPage{}, false, nil
	}
	if c.ttl > 0 && c.now().Sub(page.StoredAt) >= c.ttl {
		c.mu.Lock()
		if cur, still := c.pages[url]; still && cur.StoredAt.Equal(page.StoredAt) {
			delete(c.pages, url)
		}
		c.mu.Unlock()
		return crawler.CachedPage{}, false, nil
	}
	return clonePage(page), true, nil
}

// Put stores page, stamping StoredAt when unset.
func (c *Cache) Put(_ context.Context, page crawler.CachedPage) error {
	if page.StoredAt.IsZero() {
		page.StoredAt = c.now()
	}
	c.mu.Lock()
	c.pages[page.URL] = clonePage(page)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pages)
}

func (c *Cache) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now().UTC()
}

func clonePage(p crawler.CachedPage) crawler.CachedPage {
	p.Body = append([]byte(nil), p.Body...)
	if p.Headers != nil {
		h := make(http.Header, len(p.Headers))
		for k, v := range p.Headers {
			h[k] = append([]string(nil), v...)
		}
		p.Headers = h
	}
	return p
}
