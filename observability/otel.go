package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// otelMetrics records counters and timers through the global OTEL
// MeterProvider. Instruments are created lazily and cached by name since
// the Metrics interface takes bare names rather than pre-bound instruments.
type otelMetrics struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
	timers   map[string]metric.Float64Histogram
}

// NewOTelMetrics builds a Metrics recorder backed by the global
// MeterProvider. Configure the provider (e.g. via an OTLP exporter) before
// the first call; until then, instruments bind to the no-op provider.
func NewOTelMetrics(instrumentationName string) Metrics {
	return &otelMetrics{
		meter:    otel.Meter(instrumentationName),
		counters: make(map[string]metric.Float64Counter),
		timers:   make(map[string]metric.Float64Histogram),
	}
}

func (m *otelMetrics) counter(name string) metric.Float64Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c, _ := m.meter.Float64Counter(name)
	m.counters[name] = c
	return c
}

func (m *otelMetrics) timer(name string) metric.Float64Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.timers[name]; ok {
		return h
	}
	h, _ := m.meter.Float64Histogram(name)
	m.timers[name] = h
	return h
}

func toAttrs(labels []string) metric.RecordOption {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return metric.WithAttributes(attrs...)
}

func (m *otelMetrics) IncCounter(name string, value float64, labels ...string) {
	m.counter(name).Add(context.Background(), value, toAttrs(labels))
}

func (m *otelMetrics) RecordTimer(name string, d time.Duration, labels ...string) {
	m.timer(name).Record(context.Background(), d.Seconds(), toAttrs(labels))
}

// otelTracer starts spans through the global TracerProvider.
type otelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer builds a Tracer backed by the global TracerProvider.
func NewOTelTracer(instrumentationName string) Tracer {
	return &otelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) SetAttr(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, ""))
	}
}
