package toolregistry

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func echoHandler(_ context.Context, argsJSON []byte) (any, bool, error) {
	return string(argsJSON), true, nil
}

func TestRegisterAndDispatch(t *testing.T) {
	r := New()
	if err := r.Register(ToolCapability{Name: "echo", Category: "util"}, echoHandler); err != nil {
		t.Fatal(err)
	}
	result, ok, err := r.Dispatch(context.Background(), "echo", []byte(`"hi"`))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected success")
	}
	if result != `"hi"` {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := New()
	_, _, err := r.Dispatch(context.Background(), "nope", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestDispatchValidatesAgainstInputSchema(t *testing.T) {
	r := New()
	schema := map[string]any{
		"type":                 "object",
		"required":             []any{"query"},
		"additionalProperties": false,
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
	}
	err := r.Register(ToolCapability{Name: "search", InputSchema: schema}, echoHandler)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := r.Dispatch(context.Background(), "search", []byte(`{"query":"pizza"}`)); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}

	_, _, err = r.Dispatch(context.Background(), "search", []byte(`{"wrong":"field"}`))
	if err == nil {
		t.Fatal("expected schema validation failure")
	}
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := New()
	err := r.Register(ToolCapability{Name: "broken", InputSchema: map[string]any{"type": "not-a-real-type"}}, echoHandler)
	if err == nil {
		t.Fatal("expected schema compile error")
	}
}

func TestListToolsAppliesFilters(t *testing.T) {
	r := New()
	mustRegister := func(c ToolCapability) {
		t.Helper()
		if err := r.Register(c, echoHandler); err != nil {
			t.Fatal(err)
		}
	}
	mustRegister(ToolCapability{Name: "web_search", Category: "research", Tags: []string{"network"}})
	mustRegister(ToolCapability{Name: "shell_exec", Category: "system", Tags: []string{"dangerous"}, IsDangerous: true})
	mustRegister(ToolCapability{Name: "calculator", Category: "math"})

	safe := r.ListTools(DiscoveryFilter{ExcludeDangerous: true})
	if len(safe) != 2 {
		t.Fatalf("expected 2 non-dangerous tools, got %d", len(safe))
	}

	research := r.ListTools(DiscoveryFilter{Categories: map[string]struct{}{"research": {}}})
	if len(research) != 1 || research[0].Name != "web_search" {
		t.Fatalf("unexpected category filter result: %+v", research)
	}

	byQuery := r.ListTools(DiscoveryFilter{Query: "calc"})
	if len(byQuery) != 1 || byQuery[0].Name != "calculator" {
		t.Fatalf("unexpected query filter result: %+v", byQuery)
	}

	capped := r.ListTools(DiscoveryFilter{MaxResults: 1})
	if len(capped) != 1 {
		t.Fatalf("expected result cap of 1, got %d", len(capped))
	}
}

func TestToolCachePutAndGet(t *testing.T) {
	c := NewToolCache(10, time.Minute)
	key := CacheKey{ToolName: "web_search", ParamsHash: HashParams([]byte(`{"q":"pizza"}`))}

	if _, ok := c.Get(key); ok {
		t.Fatal("expected cache miss before Put")
	}
	c.Put(key, "result")
	v, ok := c.Get(key)
	if !ok || v != "result" {
		t.Fatalf("expected cache hit with stored result, got %v %v", v, ok)
	}
}

func TestToolCacheExpiresByTTL(t *testing.T) {
	c := NewToolCache(10, -time.Second) // already-expired TTL
	key := CacheKey{ToolName: "web_search", ParamsHash: "h1"}
	c.Put(key, "stale")

	if _, ok := c.Get(key); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry evicted on lookup, got len=%d", c.Len())
	}
}

func TestToolCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewToolCache(2, time.Minute)
	a := CacheKey{ToolName: "t", ParamsHash: "a"}
	b := CacheKey{ToolName: "t", ParamsHash: "b"}
	d := CacheKey{ToolName: "t", ParamsHash: "d"}

	c.Put(a, 1)
	c.Put(b, 2)
	c.Get(a) // touch a, making b the LRU entry
	c.Put(d, 3)

	if _, ok := c.Get(b); ok {
		t.Fatal("expected b evicted as least-recently-used")
	}
	if _, ok := c.Get(a); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get(d); !ok {
		t.Fatal("expected newly inserted d to survive")
	}
}

func TestToolCacheInvalidateByToolName(t *testing.T) {
	c := NewToolCache(10, time.Minute)
	k1 := CacheKey{ToolName: "web_search", ParamsHash: "a"}
	k2 := CacheKey{ToolName: "web_search", ParamsHash: "b"}
	k3 := CacheKey{ToolName: "calculator", ParamsHash: "c"}
	c.Put(k1, 1)
	c.Put(k2, 2)
	c.Put(k3, 3)

	c.Invalidate("web_search")

	if _, ok := c.Get(k1); ok {
		t.Fatal("expected k1 invalidated")
	}
	if _, ok := c.Get(k2); ok {
		t.Fatal("expected k2 invalidated")
	}
	if _, ok := c.Get(k3); !ok {
		t.Fatal("expected unrelated tool's entry to survive invalidation")
	}
}

func TestToolCacheSweepExpired(t *testing.T) {
	c := NewToolCache(10, time.Minute)
	fresh := CacheKey{ToolName: "t", ParamsHash: "fresh"}
	stale := CacheKey{ToolName: "t", ParamsHash: "stale"}

	c.Put(fresh, "ok")
	c.PutWithTTL(stale, "old", -time.Second)

	evicted := c.SweepExpired()
	if evicted != 1 {
		t.Fatalf("expected 1 entry swept, got %d", evicted)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry remaining, got %d", c.Len())
	}
}

func TestHashParamsIsDeterministic(t *testing.T) {
	args, err := json.Marshal(map[string]string{"query": "pizza"})
	if err != nil {
		t.Fatal(err)
	}
	if HashParams(args) != HashParams(args) {
		t.Fatal("expected identical inputs to hash identically")
	}
	if HashParams(args) == HashParams([]byte(`{"query":"sushi"}`)) {
		t.Fatal("expected different inputs to hash differently")
	}
}
