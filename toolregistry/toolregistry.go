// Package toolregistry implements the Tool Registry & Tool Cache
// (spec.md §4.11): capability metadata with discovery filters, and a
// result cache keyed by (tool name, hash of params) with true-LRU
// eviction, TTL expiry, and failure exclusion. The LRU shape follows
// this repository's wasmcache.Cache; tool input validation is
// grounded on the teacher's use of
// github.com/santhosh-tekuri/jsonschema/v6 for JSON Schema checks
// elsewhere in its runtime.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowforge/agentkernel/kerrors"
)

// ToolCapability describes a tool available for dispatch.
type ToolCapability struct {
	ID                   string
	Name                 string
	Description          string
	Category             string
	InputSchema          any
	OutputSchema         any
	RequiredPermissions  []string
	EstimatedDurationMs  int
	IsDangerous          bool
	Version              string
	Tags                 []string
	Examples             []string
	RateLimit            *int
	CacheTTLMs           *int64
}

// DiscoveryFilter narrows ListTools results.
type DiscoveryFilter struct {
	Query          string
	Categories     map[string]struct{}
	Tags           map[string]struct{}
	ExcludeDangerous bool
	MaxResults     int
}

// Handler executes a tool given its raw JSON arguments, returning a
// JSON-serializable result. It returns an error only for dispatch
// failures (unknown tool, invalid args); tool-level failures are
// reported via the (result, success) pair the caller records as a
// ToolResult.
type Handler func(ctx context.Context, argsJSON []byte) (result any, success bool, err error)

type registeredTool struct {
	capability ToolCapability
	handler    Handler
	schema     *jsonschema.Schema
}

// Registry holds registered tool capabilities and their handlers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds or replaces a tool under capability.Name, compiling its
// InputSchema (if any) up front so a bad schema fails at registration
// rather than on a caller's first Dispatch.
func (r *Registry) Register(capability ToolCapability, handler Handler) error {
	var compiled *jsonschema.Schema
	if capability.InputSchema != nil {
		s, err := compileSchema(capability.Name, capability.InputSchema)
		if err != nil {
			return kerrors.Wrap(kerrors.InvalidInput, "compile input schema for "+capability.Name, err)
		}
		compiled = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[capability.Name] = &registeredTool{capability: capability, handler: handler, schema: compiled}
	return nil
}

func compileSchema(name string, schemaDoc any) (*jsonschema.Schema, error) {
	resourceID := fmt.Sprintf("tool://%s/input-schema.json", name)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceID, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resourceID)
}

// Get returns a tool's capability metadata.
func (r *Registry) Get(name string) (ToolCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return ToolCapability{}, false
	}
	return t.capability, true
}

// Dispatch invokes the named tool's handler, first validating argsJSON
// against the tool's InputSchema when one was registered. A schema
// violation is reported as a dispatch error, not a tool-level failure,
// since the tool handler is never invoked.
func (r *Registry) Dispatch(ctx context.Context, name string, argsJSON []byte) (any, bool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false, kerrors.New(kerrors.InvalidInput, "unknown tool: "+name)
	}

	if t.schema != nil {
		var argsDoc any
		if err := json.Unmarshal(argsJSON, &argsDoc); err != nil {
			return nil, false, kerrors.Wrap(kerrors.InvalidInput, "unmarshal arguments for "+name, err)
		}
		if err := t.schema.Validate(argsDoc); err != nil {
			return nil, false, kerrors.Wrap(kerrors.InvalidInput, "arguments for "+name+" fail schema validation", err)
		}
	}

	return t.handler(ctx, argsJSON)
}

// ListTools returns capabilities matching filter, applying query
// substring match across name/description/category/tags, category and
// tag set membership, dangerous exclusion, and a result cap.
func (r *Registry) ListTools(filter DiscoveryFilter) []ToolCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query := strings.ToLower(filter.Query)
	var results []ToolCapability
	for _, t := range r.tools {
		capa := t.capability
		if filter.ExcludeDangerous && capa.IsDangerous {
			continue
		}
		if len(filter.Categories) > 0 {
			if _, ok := filter.Categories[capa.Category]; !ok {
				continue
			}
		}
		if len(filter.Tags) > 0 && !anyTagMatches(capa.Tags, filter.Tags) {
			continue
		}
		if query != "" && !matchesQuery(capa, query) {
			continue
		}
		results = append(results, capa)
		if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
			break
		}
	}
	return results
}

func anyTagMatches(tags []string, want map[string]struct{}) bool {
	for _, t := range tags {
		if _, ok := want[t]; ok {
			return true
		}
	}
	return false
}

func matchesQuery(capa ToolCapability, query string) bool {
	if strings.Contains(strings.ToLower(capa.Name), query) {
		return true
	}
	if strings.Contains(strings.ToLower(capa.Description), query) {
		return true
	}
	if strings.Contains(strings.ToLower(capa.Category), query) {
		return true
	}
	for _, tag := range capa.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}
