// Package workspace implements the Session Workspace Manager (spec.md
// §4.4): per-session directories mountable read-write into a WASM sandbox,
// with TOCTOU-safe path containment checks and a bounded recursive size
// walk. It is a direct port of the original workspace manager
// (agent-core/src/workspace.rs), translating its pre/post canonicalization
// checks and symlink-rejection rules into Go's path/filepath idiom.
package workspace

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/flowforge/agentkernel/kerrors"
)

const maxSessionIDLen = 128

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Manager manages per-session workspace directories rooted at BaseDir.
type Manager struct {
	baseDir          string
	maxDirWalkEntries int
}

// New builds a Manager rooted at baseDir. maxDirWalkEntries bounds the
// number of filesystem entries GetWorkspaceSize will visit before failing,
// defending against DoS via deeply nested or symlink-looped trees; callers
// should pass spec.md's default of 50,000 unless they have a specific
// reason to differ.
func New(baseDir string, maxDirWalkEntries int) *Manager {
	return &Manager{baseDir: baseDir, maxDirWalkEntries: maxDirWalkEntries}
}

// BaseDir returns the manager's root directory.
func (m *Manager) BaseDir() string { return m.baseDir }

func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return kerrors.New(kerrors.InvalidInput, "session ID cannot be empty")
	}
	if len(sessionID) > maxSessionIDLen {
		return kerrors.New(kerrors.InvalidInput, "session ID too long (max 128 chars)")
	}
	if !sessionIDPattern.MatchString(sessionID) {
		return kerrors.New(kerrors.InvalidInput, "session ID must contain only alphanumeric, hyphen, or underscore")
	}
	if strings.Contains(sessionID, "..") || strings.HasPrefix(sessionID, ".") {
		return kerrors.New(kerrors.InvalidInput, "session ID cannot contain path traversal")
	}
	return nil
}

// GetWorkspace returns the canonical path of sessionID's workspace,
// creating it if absent. The canonical base directory is checked both
// before and after directory creation so a symlink swapped in between the
// two checks (a TOCTOU race) cannot redirect the workspace outside baseDir.
func (m *Manager) GetWorkspace(sessionID string) (string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}

	if _, err := os.Stat(m.baseDir); os.IsNotExist(err) {
		if err := os.MkdirAll(m.baseDir, 0o700); err != nil {
			return "", kerrors.Wrap(kerrors.Internal, "create workspace base dir", err)
		}
	}
	canonicalBase, err := filepath.EvalSymlinks(m.baseDir)
	if err != nil {
		return "", kerrors.Wrap(kerrors.Internal, "canonicalize workspace base dir", err)
	}

	workspace := filepath.Join(canonicalBase, sessionID)
	if !isWithin(canonicalBase, workspace) {
		return "", kerrors.New(kerrors.SandboxViolation, "workspace path escapes base directory")
	}

	info, statErr := os.Lstat(workspace)
	switch {
	case statErr == nil:
		if info.Mode()&os.ModeSymlink != 0 {
			return "", kerrors.New(kerrors.SandboxViolation, "workspace is a symlink (potential attack)")
		}
		if !info.IsDir() {
			return "", kerrors.New(kerrors.SandboxViolation, "workspace path exists but is not a directory")
		}
	case os.IsNotExist(statErr):
		if err := os.Mkdir(workspace, 0o700); err != nil {
			if !os.IsExist(err) {
				return "", kerrors.Wrap(kerrors.Internal, "create workspace", err)
			}
			// Lost a creation race with another request; re-validate what it made.
			info, err = os.Lstat(workspace)
			if err != nil {
				return "", kerrors.Wrap(kerrors.Internal, "stat workspace after creation race", err)
			}
			if info.Mode()&os.ModeSymlink != 0 {
				return "", kerrors.New(kerrors.SandboxViolation, "workspace is a symlink (potential attack)")
			}
			if !info.IsDir() {
				return "", kerrors.New(kerrors.SandboxViolation, "workspace path exists but is not a directory")
			}
		}
	default:
		return "", kerrors.Wrap(kerrors.Internal, "stat workspace", statErr)
	}

	canonical, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		return "", kerrors.Wrap(kerrors.Internal, "canonicalize workspace", err)
	}
	if !isWithin(canonicalBase, canonical) {
		_ = os.Remove(workspace)
		return "", kerrors.New(kerrors.SandboxViolation, "workspace path escapes base directory after creation")
	}
	return canonical, nil
}

// isWithin reports whether target is base or a descendant of base, purely
// lexically (both arguments must already be canonicalized).
func isWithin(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

// IsWithinWorkspace reports whether path resolves inside sessionID's
// workspace. Non-existing paths are resolved by canonicalizing their
// parent directory, since a path that doesn't exist yet (e.g. one about to
// be created by a tool) cannot itself be canonicalized.
func (m *Manager) IsWithinWorkspace(sessionID, path string) (bool, error) {
	workspace, err := m.GetWorkspace(sessionID)
	if err != nil {
		return false, err
	}

	var checkPath string
	if _, err := os.Stat(path); err == nil {
		checkPath, err = filepath.EvalSymlinks(path)
		if err != nil {
			return false, kerrors.Wrap(kerrors.Internal, "canonicalize path", err)
		}
	} else {
		parent := filepath.Dir(path)
		if _, err := os.Stat(parent); err != nil {
			return false, nil
		}
		canonicalParent, err := filepath.EvalSymlinks(parent)
		if err != nil {
			return false, kerrors.Wrap(kerrors.Internal, "canonicalize parent path", err)
		}
		checkPath = filepath.Join(canonicalParent, filepath.Base(path))
	}
	return isWithin(workspace, checkPath), nil
}

// GetWorkspaceSize returns the total size, in bytes, of sessionID's
// workspace, skipping symlinks and stopping with an error if the walk
// exceeds maxDirWalkEntries.
func (m *Manager) GetWorkspaceSize(sessionID string) (int64, error) {
	workspace, err := m.GetWorkspace(sessionID)
	if err != nil {
		return 0, err
	}
	remaining := m.maxDirWalkEntries
	var size int64
	if err := dirSize(workspace, &size, &remaining); err != nil {
		return 0, err
	}
	return size, nil
}

func dirSize(path string, size *int64, remaining *int) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kerrors.Wrap(kerrors.Internal, "read workspace dir", err)
	}
	for _, entry := range entries {
		if *remaining <= 0 {
			return kerrors.New(kerrors.Rejected, "workspace walk exceeded max entry limit")
		}
		*remaining--

		full := filepath.Join(path, entry.Name())
		info, err := os.Lstat(full)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		if info.IsDir() {
			if err := dirSize(full, size, remaining); err != nil {
				return err
			}
			continue
		}
		*size += info.Size()
	}
	return nil
}

// DeleteWorkspace removes sessionID's workspace directory, if present.
func (m *Manager) DeleteWorkspace(sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	workspace := filepath.Join(m.baseDir, sessionID)
	if _, err := os.Stat(workspace); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(workspace); err != nil {
		return kerrors.Wrap(kerrors.Internal, "delete workspace", err)
	}
	return nil
}

// ListWorkspaces returns the session IDs of every workspace directory
// under BaseDir.
func (m *Manager) ListWorkspaces() ([]string, error) {
	if _, err := os.Stat(m.baseDir); os.IsNotExist(err) {
		return nil, nil
	}
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, "list workspaces", err)
	}
	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			sessions = append(sessions, entry.Name())
		}
	}
	return sessions, nil
}
