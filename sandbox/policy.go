// Package sandbox implements the WASM Sandbox Runtime (spec.md §4.3):
// capability-policy-constrained execution of untrusted WASM modules via
// wazero, with a JSON-over-linear-memory calling convention, host allowlist
// enforcement, and timeout-triggered kill. It is ported from the
// Wasmtime-based sandbox of the original microsandbox runtime
// (wasm_sandbox.rs), substituting wazero's pure-Go embedding API and its
// own approximation of fuel metering (see EnvironmentCapability/
// FileSystemCapability below and the CPUBudget field on Capabilities).
package sandbox

import (
	"strings"

	"github.com/flowforge/agentkernel/kerrors"
)

// EnvironmentCapability selects which environment variables, if any, a
// guest module may read.
type EnvironmentCapability struct {
	Mode EnvironmentMode
	Vars map[string]string // populated when Mode == EnvAllowList
}

// EnvironmentMode enumerates the three environment-visibility modes
// spec.md §4.3 names.
type EnvironmentMode int

const (
	EnvNone EnvironmentMode = iota
	EnvAllowList
	EnvAllowAll
)

// FileSystemCapability selects which host directories, if any, are
// preopened into the guest and with what permissions.
type FileSystemCapability struct {
	Mode FileSystemMode
	Dirs []string // host paths preopened 1:1 into the guest
}

// FileSystemMode enumerates the three filesystem-visibility modes spec.md
// §4.3 names.
type FileSystemMode int

const (
	FSNone FileSystemMode = iota
	FSReadOnly
	FSReadWrite
)

// Capabilities is the capability policy enforced on one sandbox
// instantiation (spec.md §4.3, §6 "Capability Policy inputs"). Any syscall
// or host call outside this policy must fail closed.
type Capabilities struct {
	Env          EnvironmentCapability
	FS           FileSystemCapability
	NetworkHosts []string // suffix-matched allowlist, e.g. "api.example.com"
	CPUBudget    uint64   // approximated fuel units; see Runtime doc comment
	MemoryPages  uint32   // max linear-memory pages (64KiB each)
	TimeoutMS    uint64
}

// Validate rejects obviously-malformed policies before instantiation, the
// same validate-before-build step the original sandbox performs
// (`caps.validate()?`) ahead of constructing the WASI context.
func (c Capabilities) Validate() error {
	if c.TimeoutMS == 0 {
		return kerrors.New(kerrors.InvalidInput, "sandbox capability policy requires a non-zero timeout_ms")
	}
	if c.MemoryPages == 0 {
		return kerrors.New(kerrors.InvalidInput, "sandbox capability policy requires non-zero memory_pages_max")
	}
	if c.Env.Mode == EnvAllowList && c.Env.Vars == nil {
		return kerrors.New(kerrors.InvalidInput, "env AllowList mode requires a non-nil var map")
	}
	if c.FS.Mode != FSNone && len(c.FS.Dirs) == 0 {
		return kerrors.New(kerrors.InvalidInput, "filesystem capability requires at least one preopened dir")
	}
	return nil
}

// CheckNetworkAccess enforces the network_hosts allowlist by string-suffix
// match, exactly as spec.md §4.3 requires ("Network-bearing tool
// invocations must be pre-checked against the policy's host allowlist by
// string-suffix match").
func (c Capabilities) CheckNetworkAccess(host string) error {
	for _, allowed := range c.NetworkHosts {
		if strings.HasSuffix(host, allowed) {
			return nil
		}
	}
	return kerrors.New(kerrors.SandboxViolation, "network access to "+host+" denied by capability policy")
}
