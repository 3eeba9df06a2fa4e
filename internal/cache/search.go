// Package cache provides in-memory result caching for the retrieval layer.
package cache

import (
	"container/list"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

// SearchCache caches retrieval results by (query, domain, topK).
// Bounded LRU with TTL expiry; thread-safe. Cache scope is per process.
type SearchCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	ttl     time.Duration
	stopCh  chan struct{}
}

type searchEntry struct {
	key       string
	sources   []model.Source
	retriever string
	createdAt time.Time
	expiresAt time.Time
}

// New creates a SearchCache with the given TTL and size bound and starts
// background cleanup.
func New(ttl time.Duration, maxSize int) *SearchCache {
	if maxSize <= 0 {
		maxSize = 512
	}
	c := &SearchCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns cached sources and the retriever that produced them, if
// present and not expired.
func (c *SearchCache) Get(query, domain string, topK int) ([]model.Source, string, bool) {
	key := Key(query, domain, topK)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, "", false
	}
	entry := elem.Value.(*searchEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil, "", false
	}

	c.order.MoveToFront(elem)

	slog.Debug("[CACHE] hit",
		"domain", domain,
		"query_hash", key[strings.LastIndex(key, ":")+1:],
		"age_ms", time.Since(entry.createdAt).Milliseconds(),
	)
	return entry.sources, entry.retriever, true
}

// Set stores sources for a query. The least recently used entry is
// evicted when the size bound is reached.
func (c *SearchCache) Set(query, domain string, topK int, sources []model.Source, retriever string) {
	key := Key(query, domain, topK)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*searchEntry)
		entry.sources = sources
		entry.retriever = retriever
		entry.createdAt = now
		entry.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*searchEntry).key)
	}

	elem := c.order.PushFront(&searchEntry{
		key:       key,
		sources:   sources,
		retriever: retriever,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	})
	c.entries[key] = elem
}

// Len returns the number of entries in the cache.
func (c *SearchCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop halts the background cleanup goroutine.
func (c *SearchCache) Stop() {
	close(c.stopCh)
}

// cleanup removes expired entries every minute.
func (c *SearchCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			before := len(c.entries)
			for key, elem := range c.entries {
				if now.After(elem.Value.(*searchEntry).expiresAt) {
					c.order.Remove(elem)
					delete(c.entries, key)
				}
			}
			after := len(c.entries)
			c.mu.Unlock()
			if before != after {
				slog.Debug("[CACHE] cleanup", "removed", before-after, "remaining", after)
			}
		case <-c.stopCh:
			return
		}
	}
}

// Key builds a deterministic cache key from the normalised query plus
// search parameters: "sc:{domain}:{topK}:{hex of the first 12 bytes of
// sha256(normalised query)}".
func Key(query, domain string, topK int) string {
	h := sha256.Sum256([]byte(Normalize(query)))
	return fmt.Sprintf("sc:%s:%d:%x", domain, topK, h[:12])
}

// Normalize lowercases and collapses whitespace so trivially different
// phrasings share a cache slot.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(query))), " ")
}
