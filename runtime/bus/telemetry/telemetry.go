// Package telemetry defines the logging, metrics, and tracing seams used
// throughout the relay runtime. The interfaces are intentionally small so
// tests can provide lightweight stubs; production code wires the Clue/OTEL
// implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
// Tags are flat key/value pairs ("queue", "router", ...).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the runtime. Backends see them tagged with the
// queue and, where relevant, the message kind.
const (
	MetricEnqueued       = "relay.bus.enqueued"
	MetricAcked          = "relay.bus.acked"
	MetricNacked         = "relay.bus.nacked"
	MetricDeadLettered   = "relay.bus.dead_lettered"
	MetricDuplicates     = "relay.bus.duplicates_skipped"
	MetricHandlerLatency = "relay.bus.handler_latency"
	MetricLeaseExpired   = "relay.bus.leases_requeued"
)
