package tooling

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowforge/agentkernel/sandbox"
	"github.com/flowforge/agentkernel/toolregistry"
	"github.com/flowforge/agentkernel/workspace"
)

// emptyModule is the minimal valid WASM binary (magic + version, no
// exports). It instantiates cleanly but exports neither alloc nor memory,
// so CallJSON fails at the calling-convention step rather than the
// instantiation step — enough to exercise this package's sandbox/workspace
// plumbing without hand-authoring a guest module with real exports.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func baseCaps() sandbox.Capabilities {
	return sandbox.Capabilities{
		MemoryPages: 1,
		TimeoutMS:   1000,
	}
}

func TestRegisterBuiltinsRegistersBothTools(t *testing.T) {
	ctx := context.Background()
	registry := toolregistry.New()
	ws := workspace.New(t.TempDir(), 1000)
	rt, err := sandbox.New(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(ctx)

	if err := RegisterBuiltins(registry, ws, rt, baseCaps()); err != nil {
		t.Fatal(err)
	}

	if _, ok := registry.Get("calculator"); !ok {
		t.Fatal("expected calculator to be registered")
	}
	if _, ok := registry.Get("web_search"); !ok {
		t.Fatal("expected web_search to be registered")
	}
}

func TestCalculatorMissingModuleReportsToolFailure(t *testing.T) {
	ctx := context.Background()
	registry := toolregistry.New()
	ws := workspace.New(t.TempDir(), 1000)
	rt, err := sandbox.New(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(ctx)
	if err := RegisterBuiltins(registry, ws, rt, baseCaps()); err != nil {
		t.Fatal(err)
	}

	args, _ := json.Marshal(toolArgs{Input: "2+2", SessionID: "sess-1"})
	result, success, err := registry.Dispatch(ctx, "calculator", args)
	if err != nil {
		t.Fatalf("expected a tool-level failure, not a dispatch error: %v", err)
	}
	if success {
		t.Fatal("expected success=false when no calculator module is provisioned")
	}
	if result == nil {
		t.Fatal("expected a non-nil explanatory result")
	}
}

func TestCalculatorWithProvisionedModuleInstantiatesAndDispatches(t *testing.T) {
	ctx := context.Background()
	registry := toolregistry.New()
	ws := workspace.New(t.TempDir(), 1000)
	rt, err := sandbox.New(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(ctx)
	if err := RegisterBuiltins(registry, ws, rt, baseCaps()); err != nil {
		t.Fatal(err)
	}

	wsDir, err := ws.GetWorkspace("sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, calculatorModuleFile), emptyModule, 0o600); err != nil {
		t.Fatal(err)
	}

	args, _ := json.Marshal(toolArgs{Input: "2+2", SessionID: "sess-2"})
	_, success, err := registry.Dispatch(ctx, "calculator", args)
	if err == nil {
		t.Fatal("expected CallJSON to fail against a module with no alloc/memory export")
	}
	if success {
		t.Fatal("expected success=false on a dispatch error")
	}
}

func TestWebSearchStubReturnsInertResult(t *testing.T) {
	ctx := context.Background()
	registry := toolregistry.New()
	ws := workspace.New(t.TempDir(), 1000)
	rt, err := sandbox.New(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(ctx)
	if err := RegisterBuiltins(registry, ws, rt, baseCaps()); err != nil {
		t.Fatal(err)
	}

	args, _ := json.Marshal(toolArgs{Input: "agentkernel release notes"})
	result, success, err := registry.Dispatch(ctx, "web_search", args)
	if err != nil {
		t.Fatal(err)
	}
	if !success {
		t.Fatal("expected the web_search stub to report success")
	}
	if result == nil {
		t.Fatal("expected a non-nil stub result")
	}
}
