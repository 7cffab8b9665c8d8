package toolregistry

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// CacheKey identifies a cached tool result by tool name and a hash of its
// arguments.
type CacheKey struct {
	ToolName   string
	ParamsHash string
}

// HashParams returns the hex-encoded SHA-256 digest of a tool's raw JSON
// arguments, suitable for use as CacheKey.ParamsHash.
func HashParams(argsJSON []byte) string {
	sum := sha256.Sum256(argsJSON)
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	key       CacheKey
	toolName  string
	result    any
	expiresAt time.Time
	elem      *list.Element
}

// ToolCache is a size-bounded, TTL-expiring LRU of successful tool
// results, keyed by (tool name, hash of params). Eviction follows
// wasmcache.Cache's container/list true-LRU shape; this cache adds TTL
// expiry on top since tool results, unlike compiled modules, go stale.
// Only successful results are cached: a failed dispatch is never worth
// serving from cache on a subsequent identical call.
type ToolCache struct {
	maxSize int
	ttl     time.Duration

	mu      sync.Mutex
	entries map[CacheKey]*cacheEntry
	order   *list.List // front = most recently used
}

// NewToolCache builds a ToolCache retaining at most maxSize entries, each
// expiring defaultTTL after insertion unless overridden per-call via Put.
func NewToolCache(maxSize int, defaultTTL time.Duration) *ToolCache {
	return &ToolCache{
		maxSize: maxSize,
		ttl:     defaultTTL,
		entries: make(map[CacheKey]*cacheEntry),
		order:   list.New(),
	}
}

// Get returns a cached result for key if present and not expired. An
// expired entry is evicted on lookup rather than returned stale.
func (c *ToolCache) Get(key CacheKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.result, true
}

// Put inserts result under key with the cache's default TTL, evicting the
// least-recently-used entry if the cache is full. Callers must not call
// Put for a failed tool dispatch; the cache has no notion of failure and
// assumes every stored entry is a success worth replaying.
func (c *ToolCache) Put(key CacheKey, result any) {
	c.PutWithTTL(key, result, c.ttl)
}

// PutWithTTL is Put with an explicit per-entry TTL, used when a tool
// capability advertises its own CacheTTLMs.
func (c *ToolCache) PutWithTTL(key CacheKey, result any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if existing, ok := c.entries[key]; ok {
		existing.result = result
		existing.expiresAt = expiresAt
		c.order.MoveToFront(existing.elem)
		return
	}

	e := &cacheEntry{key: key, toolName: key.ToolName, result: result, expiresAt: expiresAt}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e

	if c.maxSize > 0 {
		for len(c.entries) > c.maxSize {
			c.evictOldestLocked()
		}
	}
}

// Invalidate removes every cached entry for toolName, used when a tool's
// behavior or backing data changes and its previous results can no
// longer be trusted.
func (c *ToolCache) Invalidate(toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.toolName == toolName {
			c.removeLocked(e)
		}
	}
}

// SweepExpired removes every entry whose TTL has elapsed and returns the
// count evicted. Intended to run on a periodic timer so memory used by
// results nobody re-reads doesn't accumulate between lookups.
func (c *ToolCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var evicted int
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(e)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of entries currently cached, including any not
// yet swept past their TTL.
func (c *ToolCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes the least-recently-used entry. Caller must
// hold mu.
func (c *ToolCache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.removeLocked(back.Value.(*cacheEntry))
}

// removeLocked deletes e from both the map and the LRU list. Caller must
// hold mu.
func (c *ToolCache) removeLocked(e *cacheEntry) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
}
