// Package wasmcache implements the size-bounded LRU of compiled WASM
// modules described in spec.md §4.3's "WASM Module Cache": modules are
// preloaded at startup where possible and compiled lazily on a cache miss,
// with true least-recently-used eviction once the cache is full.
//
// The map+mutex shape follows the registry's MemoryCache
// (runtime/registry/cache.go), but eviction here is bounded by entry count
// rather than TTL, so it is built on container/list rather than adapted
// from that TTL-oriented cache directly.
package wasmcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/flowforge/agentkernel/kerrors"
)

// Key identifies a cached module by name and version.
type Key struct {
	Name    string
	Version string
}

func (k Key) String() string { return fmt.Sprintf("%s@%s", k.Name, k.Version) }

type entry struct {
	key      Key
	compiled wazero.CompiledModule
	elem     *list.Element
}

// Cache is a size-bounded LRU of compiled wazero modules. Safe for
// concurrent use.
type Cache struct {
	runtime wazero.Runtime
	maxSize int

	mu      sync.Mutex
	entries map[Key]*entry
	order   *list.List // front = most recently used
}

// New builds a Cache that compiles modules against runtime and retains at
// most maxSize compiled modules at once.
func New(runtime wazero.Runtime, maxSize int) *Cache {
	return &Cache{
		runtime: runtime,
		maxSize: maxSize,
		entries: make(map[Key]*entry),
		order:   list.New(),
	}
}

// Preload compiles and inserts every module in modules (name+version ->
// wasm bytes) ahead of first use, so a cold first request never pays
// compilation latency for known-hot modules. Preload failures for one
// module do not block the others; the first error encountered is returned
// after every module has been attempted.
func (c *Cache) Preload(ctx context.Context, modules map[Key][]byte) error {
	var firstErr error
	for key, wasmBytes := range modules {
		if _, err := c.getOrCompile(ctx, key, wasmBytes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get returns the compiled module for key, compiling it from wasmBytes on a
// cache miss. wasmBytes is only consulted on a miss; callers may pass nil
// when they are confident the module is already cached (e.g. immediately
// after Preload) and willing to accept a miss error otherwise.
func (c *Cache) Get(ctx context.Context, key Key, wasmBytes []byte) (wazero.CompiledModule, error) {
	if mod, ok := c.lookup(key); ok {
		return mod, nil
	}
	if wasmBytes == nil {
		return nil, kerrors.New(kerrors.InvalidInput, "module not cached and no source bytes supplied: "+key.String())
	}
	return c.getOrCompile(ctx, key, wasmBytes)
}

func (c *Cache) lookup(key Key) (wazero.CompiledModule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.compiled, true
}

func (c *Cache) getOrCompile(ctx context.Context, key Key, wasmBytes []byte) (wazero.CompiledModule, error) {
	if mod, ok := c.lookup(key); ok {
		return mod, nil
	}
	compiled, err := c.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.SandboxViolation, "compile module "+key.String(), err)
	}
	c.insert(key, compiled)
	return compiled, nil
}

func (c *Cache) insert(key Key, compiled wazero.CompiledModule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.order.MoveToFront(existing.elem)
		existing.compiled = compiled
		return
	}

	e := &entry{key: key, compiled: compiled}
	e.elem = c.order.PushFront(key)
	c.entries[key] = e

	if c.maxSize > 0 {
		for len(c.entries) > c.maxSize {
			c.evictOldest()
		}
	}
}

// evictOldest removes the least-recently-used entry. Caller must hold mu.
func (c *Cache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	key := back.Value.(Key)
	if e, ok := c.entries[key]; ok {
		_ = e.compiled.Close(context.Background())
		delete(c.entries, key)
	}
	c.order.Remove(back)
}

// Invalidate evicts the cached module for key, if any, closing its
// compiled resources. Used when a tool's WASM artifact is hot-swapped to a
// new version under the same name.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	_ = e.compiled.Close(context.Background())
	c.order.Remove(e.elem)
	delete(c.entries, key)
}

// Len returns the number of modules currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases every compiled module held by the cache.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, e := range c.entries {
		if err := e.compiled.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.entries = make(map[Key]*entry)
	c.order = list.New()
	return firstErr
}
