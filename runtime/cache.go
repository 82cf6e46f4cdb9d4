// Package runtime implements the Leak-Aware Runtime Guards (C9): a
// bounded tool-data cache, a sliding-window memory-growth (leak) detector,
// a soft memory-limit graceful-restart signal, and the token-protected
// debug endpoint that exposes them, plus the OpenTelemetry tracing setup
// every HTTP request is wrapped in (LLM and tool calls get no spans).
package runtime

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value      string
	insertedAt time.Time
	expiresAt  time.Time
	seq        int64 // insertion order, used for least-recently-inserted eviction
}

// ToolCache is a bounded (key -> value, TTL) cache for tool results,
// guarding against unbounded growth from repeated distinct tool calls
// within a single process lifetime. Eviction on insert first drops
// TTL-expired entries; if the cache is still over its max-entries cap, it
// drops entries by least-recently-inserted.
type ToolCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	maxEntries int
	defaultTTL time.Duration
	seq        int64
}

// NewToolCache builds a cache capped at maxEntries (default 50 if <= 0)
// with the given default TTL per entry.
func NewToolCache(maxEntries int, defaultTTL time.Duration) *ToolCache {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	return &ToolCache{
		entries:    make(map[string]cacheEntry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
	}
}

// Get returns the cached value for key if present and not expired.
func (c *ToolCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// Set inserts key -> value with the cache's default TTL, then evicts.
func (c *ToolCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	now := time.Now()
	c.entries[key] = cacheEntry{value: value, insertedAt: now, expiresAt: now.Add(c.defaultTTL), seq: c.seq}
	c.evictLocked()
}

func (c *ToolCache) evictLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldestSeq int64 = -1
		for k, e := range c.entries {
			if oldestSeq == -1 || e.seq < oldestSeq {
				oldestSeq = e.seq
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.entries, oldestKey)
	}
}

// Len returns the current entry count, for tests and the debug endpoint.
func (c *ToolCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
