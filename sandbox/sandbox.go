package sandbox

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	wasi "github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/flowforge/agentkernel/kerrors"
	"github.com/flowforge/agentkernel/wasmcache"
)

// Runtime wraps a wazero runtime plus its module cache, producing capability
// -enforced Process handles. Fuel metering in the original Wasmtime-based
// sandbox has no wazero equivalent, so CPUBudget is approximated here with a
// function call-count ceiling via wazero's experimental function
// listener: each guest function invocation increments a counter, and once
// it exceeds CPUBudget the process's context is cancelled, which wazero's
// engines observe at the next function-call boundary and surface as a
// cancellation error — the same class of failure a real fuel exhaustion
// would produce, though not instruction-granular.
type Runtime struct {
	wazeroRuntime wazero.Runtime
	cache         *wasmcache.Cache
}

// New builds a Runtime backed by a fresh wazero runtime (compiler-backed
// where the host platform supports it) and a module cache retaining at
// most maxCacheSize compiled modules. The cache is built from this same
// runtime internally — a wazero.CompiledModule is only valid against the
// runtime that compiled it, so unlike most of this repository's
// dependency-injected collaborators, the cache cannot be constructed by
// the caller ahead of time.
func New(ctx context.Context, maxCacheSize int) (*Runtime, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi.Instantiate(ctx, rt); err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, "instantiate WASI snapshot preview1", err)
	}
	return &Runtime{wazeroRuntime: rt, cache: wasmcache.New(rt, maxCacheSize)}, nil
}

// Close releases the underlying wazero runtime and all compiled modules.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.cache.Close(ctx); err != nil {
		return err
	}
	return r.wazeroRuntime.Close(ctx)
}

// Process is a live, policy-constrained WASM guest instance.
type Process struct {
	module       api.Module
	caps         Capabilities
	callCount    atomic.Int64
	killed       atomic.Bool
	cancelWatch  context.CancelFunc
	watchStopped chan struct{}
}

type callCountListenerFactory struct {
	budget  uint64
	counter *atomic.Int64
	cancel  context.CancelFunc
}

func (f *callCountListenerFactory) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if f.budget == 0 {
		return nil
	}
	return callCountListener{f}
}

type callCountListener struct{ f *callCountListenerFactory }

func (l callCountListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	n := l.f.counter.Add(1)
	if uint64(n) > l.f.budget {
		l.f.cancel()
	}
}

func (l callCountListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

// Instantiate loads key's compiled module (compiling wasmBytes on a cache
// miss) and instantiates it under caps, starting a timeout watchdog that
// cancels the process's context after caps.TimeoutMS.
func (r *Runtime) Instantiate(ctx context.Context, key wasmcache.Key, wasmBytes []byte, caps Capabilities) (*Process, error) {
	if err := caps.Validate(); err != nil {
		return nil, err
	}
	compiled, err := r.cache.Get(ctx, key, wasmBytes)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)

	var counter atomic.Int64
	if caps.CPUBudget > 0 {
		factory := &callCountListenerFactory{budget: caps.CPUBudget, counter: &counter, cancel: cancel}
		procCtx = experimental.WithFunctionListenerFactory(procCtx, factory)
	}

	config := wazero.NewModuleConfig().WithName(key.String())
	switch caps.Env.Mode {
	case EnvAllowList:
		for k, v := range caps.Env.Vars {
			config = config.WithEnv(k, v)
		}
	case EnvAllowAll:
		// Host-process environment is deliberately not forwarded here: the
		// embedding process's own env may carry secrets irrelevant (and
		// dangerous) to guest code. AllowAll is interpreted as "no
		// guest-visible restriction beyond what the caller explicitly
		// passed via AllowList elsewhere," matching this runtime's
		// fail-closed default.
	}
	if caps.FS.Mode != FSNone {
		fsConfig := wazero.NewFSConfig()
		for _, dir := range caps.FS.Dirs {
			fsConfig = fsConfig.WithDirMount(dir, dir)
		}
		if caps.FS.Mode == FSReadOnly {
			fsConfig = fsConfig.WithReadOnly()
		}
		config = config.WithFSConfig(fsConfig)
	}
	if caps.MemoryPages > 0 {
		config = config.WithMemoryLimitPages(caps.MemoryPages)
	}

	mod, err := r.wazeroRuntime.InstantiateModule(procCtx, compiled, config)
	if err != nil {
		cancel()
		return nil, kerrors.Wrap(kerrors.SandboxViolation, "instantiate module "+key.String(), err)
	}

	p := &Process{
		module:       mod,
		caps:         caps,
		cancelWatch:  cancel,
		watchStopped: make(chan struct{}),
	}
	p.callCount.Store(0)
	go p.watchTimeout(procCtx, caps.TimeoutMS)
	return p, nil
}

func (p *Process) watchTimeout(ctx context.Context, timeoutMS uint64) {
	defer close(p.watchStopped)
	timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		p.killed.Store(true)
		p.cancelWatch()
	case <-ctx.Done():
	}
}

// Kill cancels the process's context immediately, aborting any in-flight
// guest call. Safe to call multiple times.
func (p *Process) Kill() {
	p.killed.Store(true)
	p.cancelWatch()
}

// Close releases the instance's resources. No partial state survives: the
// module's memory and resource tables are torn down with it, per spec.md
// §4.3's "no partial state leaks" failure semantics.
func (p *Process) Close(ctx context.Context) error {
	p.cancelWatch()
	<-p.watchStopped
	return p.module.Close(ctx)
}

// CallJSON implements the JSON-over-linear-memory calling convention from
// spec.md §4.3: allocate guest memory via the `alloc` export, write the
// JSON-encoded input, invoke funcName with the pointer, then read a
// NUL-terminated UTF-8 string from the returned pointer and parse it as
// JSON. If input carries a "host" field, it is pre-checked against the
// capability policy's network allowlist before the call, since a guest
// could otherwise use an already-permitted syscall to reach an
// unauthorized host.
func (p *Process) CallJSON(ctx context.Context, funcName string, input any) (json.RawMessage, error) {
	if p.killed.Load() {
		return nil, kerrors.New(kerrors.SandboxViolation, "sandbox process already killed")
	}
	if host, ok := extractHost(input); ok {
		if err := p.caps.CheckNetworkAccess(host); err != nil {
			return nil, err
		}
	}

	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidInput, "encode sandbox call input", err)
	}

	ptr, err := p.writeString(ctx, inputBytes)
	if err != nil {
		return nil, err
	}

	fn := p.module.ExportedFunction(funcName)
	if fn == nil {
		return nil, kerrors.New(kerrors.InvalidInput, "export not found: "+funcName)
	}
	results, err := fn.Call(ctx, uint64(ptr))
	if err != nil {
		if p.killed.Load() {
			return nil, kerrors.New(kerrors.Timeout, "sandbox call "+funcName+" killed: timeout or cpu budget exceeded")
		}
		return nil, kerrors.Wrap(kerrors.SandboxViolation, "call "+funcName, err)
	}
	if len(results) != 1 {
		return nil, kerrors.New(kerrors.SandboxViolation, funcName+" must return exactly one pointer result")
	}

	out, err := p.readCString(uint32(results[0]))
	if err != nil {
		return nil, err
	}
	var js json.RawMessage
	if err := json.Unmarshal(out, &js); err != nil {
		return nil, kerrors.Wrap(kerrors.SandboxViolation, "parse "+funcName+" output as JSON", err)
	}
	return js, nil
}

func extractHost(input any) (string, bool) {
	m, ok := input.(map[string]any)
	if !ok {
		return "", false
	}
	host, ok := m["host"].(string)
	return host, ok
}

func (p *Process) memory() (api.Memory, error) {
	mem := p.module.ExportedMemory("memory")
	if mem == nil {
		return nil, kerrors.New(kerrors.SandboxViolation, "WASM module does not export linear memory")
	}
	return mem, nil
}

func (p *Process) writeString(ctx context.Context, data []byte) (uint32, error) {
	alloc := p.module.ExportedFunction("alloc")
	if alloc == nil {
		return 0, kerrors.New(kerrors.SandboxViolation, "WASM module does not export alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, kerrors.Wrap(kerrors.SandboxViolation, "alloc call", err)
	}
	ptr := uint32(results[0])

	mem, err := p.memory()
	if err != nil {
		return 0, err
	}
	if !mem.Write(ptr, data) {
		return 0, kerrors.New(kerrors.SandboxViolation, "memory write out of bounds")
	}
	return ptr, nil
}

func (p *Process) readCString(ptr uint32) ([]byte, error) {
	mem, err := p.memory()
	if err != nil {
		return nil, err
	}
	var buf []byte
	offset := ptr
	for {
		b, ok := mem.ReadByte(offset)
		if !ok {
			return nil, kerrors.New(kerrors.SandboxViolation, "memory read out of bounds")
		}
		if b == 0 {
			break
		}
		buf = append(buf, b)
		offset++
	}
	return buf, nil
}
