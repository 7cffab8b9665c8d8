package wasmcache

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
)

// emptyModule is the minimal valid WASM binary: the magic number and
// version, with no sections. wazero compiles it successfully, making it a
// cheap fixture for cache-behavior tests that don't exercise execution.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newRuntime(t *testing.T) wazero.Runtime {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt
}

func TestGetCompilesOnMiss(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	c := New(rt, 10)

	mod, err := c.Get(ctx, Key{Name: "echo", Version: "v1"}, emptyModule)
	if err != nil {
		t.Fatal(err)
	}
	if mod == nil {
		t.Fatal("expected compiled module")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 cached entry, got %d", c.Len())
	}
}

func TestGetHitsCacheWithoutBytes(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	c := New(rt, 10)

	key := Key{Name: "echo", Version: "v1"}
	if _, err := c.Get(ctx, key, emptyModule); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, key, nil); err != nil {
		t.Fatalf("expected cache hit without needing bytes, got %v", err)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	c := New(rt, 2)

	a := Key{Name: "a", Version: "v1"}
	b := Key{Name: "b", Version: "v1"}
	d := Key{Name: "c", Version: "v1"}

	if _, err := c.Get(ctx, a, emptyModule); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, b, emptyModule); err != nil {
		t.Fatal(err)
	}
	// Touch a so it becomes most-recently-used, leaving b as the LRU victim.
	if _, err := c.Get(ctx, a, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, d, emptyModule); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache bounded to 2 entries, got %d", c.Len())
	}
	if _, err := c.Get(ctx, b, nil); err == nil {
		t.Fatal("expected b to have been evicted as least-recently-used")
	}
	if _, err := c.Get(ctx, a, nil); err != nil {
		t.Fatalf("expected a to remain cached, got %v", err)
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	c := New(rt, 10)

	key := Key{Name: "echo", Version: "v1"}
	if _, err := c.Get(ctx, key, emptyModule); err != nil {
		t.Fatal(err)
	}
	c.Invalidate(key)
	if c.Len() != 0 {
		t.Fatalf("expected cache empty after invalidate, got %d", c.Len())
	}
	if _, err := c.Get(ctx, key, nil); err == nil {
		t.Fatal("expected miss after invalidation")
	}
}

func TestPreloadPopulatesCache(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	c := New(rt, 10)

	modules := map[Key][]byte{
		{Name: "a", Version: "v1"}: emptyModule,
		{Name: "b", Version: "v1"}: emptyModule,
	}
	if err := c.Preload(ctx, modules); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 preloaded entries, got %d", c.Len())
	}
}
