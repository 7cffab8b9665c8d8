// Package tooling registers the built-in tool set named in spec.md §4.7
// ("web_search, calculator") onto a toolregistry.Registry, giving the
// Cognitive Pattern Registry's patterns and the Tool-Loop Orchestrator
// something real to dispatch to instead of a hand-rolled stub. The
// calculator handler is WASM-backed: it resolves the caller's session
// workspace through the Session Workspace Manager, loads a guest module
// from it, and runs the call through the WASM Sandbox Runtime under a
// capability policy scoped to that one directory.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowforge/agentkernel/kerrors"
	"github.com/flowforge/agentkernel/sandbox"
	"github.com/flowforge/agentkernel/toolregistry"
	"github.com/flowforge/agentkernel/wasmcache"
	"github.com/flowforge/agentkernel/workspace"
)

// calculatorModuleFile is the guest module name a session workspace must
// contain for the calculator tool to run. Provisioning it is the
// deployer's responsibility (spec.md's Non-goals exclude a build
// pipeline for guest modules); a missing file is reported as a tool-level
// failure, not a dispatch error, so the caller's pattern sees an
// observation rather than a hard stop.
const calculatorModuleFile = "calculator.wasm"

// toolArgs is the common shape this package's handlers accept: a free-text
// input (patterns.RegistryToolExecutor carries a ReAct action's raw
// parameter string here) plus the session the call runs under.
type toolArgs struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id"`
}

// RegisterBuiltins registers the calculator and web_search tools onto
// registry. ws resolves each call's session workspace; rt and caps (a
// base capability policy, re-scoped per call to the session's workspace
// directory) drive calculator's sandboxed execution.
func RegisterBuiltins(registry *toolregistry.Registry, ws *workspace.Manager, rt *sandbox.Runtime, caps sandbox.Capabilities) error {
	if err := registry.Register(toolregistry.ToolCapability{
		ID:          "calculator",
		Name:        "calculator",
		Description: "Evaluates an arithmetic expression inside a sandboxed WASM guest module",
		Category:    "utility",
		Tags:        []string{"math", "builtin"},
	}, calculatorHandler(ws, rt, caps)); err != nil {
		return err
	}

	return registry.Register(toolregistry.ToolCapability{
		ID:          "web_search",
		Name:        "web_search",
		Description: "Searches the web for the given query (stub: no external search is implemented)",
		Category:    "research",
		Tags:        []string{"search", "builtin"},
	}, webSearchHandler())
}

// calculatorHandler loads calculator.wasm from the calling session's
// workspace and evaluates args.Input through its "evaluate" export.
func calculatorHandler(ws *workspace.Manager, rt *sandbox.Runtime, caps sandbox.Capabilities) toolregistry.Handler {
	return func(ctx context.Context, argsJSON []byte) (any, bool, error) {
		var args toolArgs
		if err := json.Unmarshal(argsJSON, &args); err != nil {
			return nil, false, kerrors.Wrap(kerrors.InvalidInput, "unmarshal calculator arguments", err)
		}
		sessionID := args.SessionID
		if sessionID == "" {
			sessionID = "default"
		}

		wsDir, err := ws.GetWorkspace(sessionID)
		if err != nil {
			return nil, false, err
		}

		wasmBytes, err := os.ReadFile(filepath.Join(wsDir, calculatorModuleFile))
		if err != nil {
			return fmt.Sprintf("calculator module not available in session %s workspace: %v", sessionID, err), false, nil
		}

		scoped := caps
		scoped.FS = sandbox.FileSystemCapability{Mode: sandbox.FSReadOnly, Dirs: []string{wsDir}}

		proc, err := rt.Instantiate(ctx, wasmcache.Key{Name: "calculator", Version: "v1"}, wasmBytes, scoped)
		if err != nil {
			return nil, false, err
		}
		defer proc.Close(ctx)

		out, err := proc.CallJSON(ctx, "evaluate", map[string]string{"expression": args.Input})
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	}
}

// webSearchHandler stands in for the original's web_search tool. Actually
// reaching an external search API is out of scope (spec.md's Non-goals
// exclude implementing web search/fetch); this returns a named, inert
// result so a pattern's tool loop sees a well-formed observation rather
// than an unknown-tool dispatch error.
func webSearchHandler() toolregistry.Handler {
	return func(_ context.Context, argsJSON []byte) (any, bool, error) {
		var args toolArgs
		_ = json.Unmarshal(argsJSON, &args)
		return map[string]string{
			"query":  args.Input,
			"result": "web search is not implemented in this deployment",
		}, true, nil
	}
}
