package patterns

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flowforge/agentkernel/kerrors"
)

// maxRetries is the number of attempts execute makes at the registry
// level before giving up on a pattern invocation, independent of any
// retries the pattern itself performs against an LLM.
const maxRetries = 3

// Registry manages registered cognitive patterns and executes them
// under a shared retry/timeout policy.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]CognitivePattern
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{patterns: make(map[string]CognitivePattern)}
}

// Register adds pattern under its own Name(), overwriting any pattern
// previously registered under the same name.
func (r *Registry) Register(pattern CognitivePattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[pattern.Name()] = pattern
}

// Get looks up a pattern by name.
func (r *Registry) Get(name string) (CognitivePattern, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[name]
	if !ok {
		return nil, kerrors.New(kerrors.InvalidInput, fmt.Sprintf("pattern not found: %s", name))
	}
	return p, nil
}

// ListPatterns returns the names of every registered pattern.
func (r *Registry) ListPatterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.patterns))
	for name := range r.patterns {
		names = append(names, name)
	}
	return names
}

// HasPattern reports whether name is registered.
func (r *Registry) HasPattern(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.patterns[name]
	return ok
}

// Execute validates input, then runs the named pattern under a
// per-attempt timeout (PatternContext.TimeoutSeconds), making up to
// maxRetries attempts with 2^attempt-second backoff between them on
// transient errors.
// Non-retryable errors and exhausted retries return immediately.
func (r *Registry) Execute(ctx context.Context, patternName string, pctx PatternContext, input string) (PatternResult, error) {
	pattern, err := r.Get(patternName)
	if err != nil {
		return PatternResult{}, err
	}
	if err := pattern.ValidateInput(input); err != nil {
		return PatternResult{}, kerrors.Wrap(kerrors.InvalidInput, "invalid pattern input", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := executeWithTimeout(ctx, pattern, pctx, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
		if attempt < maxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return PatternResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return PatternResult{}, lastErr
}

func executeWithTimeout(ctx context.Context, pattern CognitivePattern, pctx PatternContext, input string) (PatternResult, error) {
	timeout := time.Duration(pctx.TimeoutSeconds) * time.Second
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type out struct {
		result PatternResult
		err    error
	}
	done := make(chan out, 1)
	go func() {
		result, err := pattern.Execute(timeoutCtx, pctx, input)
		done <- out{result, err}
	}()

	select {
	case <-timeoutCtx.Done():
		return PatternResult{}, kerrors.New(kerrors.Timeout, "pattern execution timeout")
	case o := <-done:
		return o.result, o.err
	}
}

// isRetryableError mirrors the original's substring-based transient
// error classifier: network, timeout, and rate-limit failures are
// retried; everything else (invalid input, logic errors) is not.
func isRetryableError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"network", "timeout", "rate limit", "too many requests", "temporary", "transient"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
