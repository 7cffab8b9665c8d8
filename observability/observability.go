// Package observability defines the Logger, Metrics, and Tracer interfaces
// used throughout the kernel, plus the concrete implementations wired into
// it: a zap-backed Logger, an OpenTelemetry-backed Metrics/Tracer pair, and
// no-op fallbacks for tests. Components depend on the interfaces only, so
// swapping the backing library never touches call sites.
package observability

import (
	"context"
	"time"
)

type (
	// Logger records structured, leveled log messages. The key-value pairs
	// passed to each method follow the common "field, value, field, value..."
	// convention used across the pack.
	Logger interface {
		Debug(ctx context.Context, msg string, kv ...any)
		Info(ctx context.Context, msg string, kv ...any)
		Warn(ctx context.Context, msg string, kv ...any)
		Error(ctx context.Context, msg string, kv ...any)
	}

	// Metrics records counters and timers. Label values are passed
	// positionally; callers are responsible for keeping cardinality bounded.
	Metrics interface {
		IncCounter(name string, value float64, labels ...string)
		RecordTimer(name string, d time.Duration, labels ...string)
	}

	// Tracer starts spans for tracing call chains across components.
	Tracer interface {
		StartSpan(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is a single unit of tracing work.
	Span interface {
		End()
		SetError(err error)
		SetAttr(key string, value any)
	}
)
