package sandbox

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/flowforge/agentkernel/wasmcache"
)

func newTestWazero(ctx context.Context, t *testing.T) wazero.Runtime {
	t.Helper()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt
}

// emptyModule is the minimal valid WASM binary (magic + version, no
// sections). It instantiates successfully under wazero but exports neither
// alloc nor memory, so these tests only exercise instantiation/teardown,
// not CallJSON.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestInstantiateAndCloseRespectsPolicy(t *testing.T) {
	ctx := context.Background()
	wazeroRuntime := newTestWazero(ctx, t)
	cache := wasmcache.New(wazeroRuntime, 10)
	rt := &Runtime{wazeroRuntime: wazeroRuntime, cache: cache}

	caps := Capabilities{
		Env:         EnvironmentCapability{Mode: EnvNone},
		FS:          FileSystemCapability{Mode: FSNone},
		CPUBudget:   1000,
		MemoryPages: 1,
		TimeoutMS:   1000,
	}
	proc, err := rt.Instantiate(ctx, wasmcache.Key{Name: "noop", Version: "v1"}, emptyModule, caps)
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestInstantiateRejectsInvalidPolicy(t *testing.T) {
	ctx := context.Background()
	wazeroRuntime := newTestWazero(ctx, t)
	cache := wasmcache.New(wazeroRuntime, 10)
	rt := &Runtime{wazeroRuntime: wazeroRuntime, cache: cache}

	caps := Capabilities{TimeoutMS: 0, MemoryPages: 1}
	if _, err := rt.Instantiate(ctx, wasmcache.Key{Name: "noop", Version: "v1"}, emptyModule, caps); err == nil {
		t.Fatal("expected instantiate to reject invalid capability policy before touching wazero")
	}
}

func TestKillMarksProcessKilled(t *testing.T) {
	ctx := context.Background()
	wazeroRuntime := newTestWazero(ctx, t)
	cache := wasmcache.New(wazeroRuntime, 10)
	rt := &Runtime{wazeroRuntime: wazeroRuntime, cache: cache}

	caps := Capabilities{MemoryPages: 1, TimeoutMS: 60_000}
	proc, err := rt.Instantiate(ctx, wasmcache.Key{Name: "noop", Version: "v1"}, emptyModule, caps)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = proc.Close(ctx) }()

	proc.Kill()
	if !proc.killed.Load() {
		t.Fatal("expected Kill to mark the process as killed")
	}
	if _, err := proc.CallJSON(ctx, "anything", map[string]any{}); err == nil {
		t.Fatal("expected calls against a killed process to fail")
	}
}
