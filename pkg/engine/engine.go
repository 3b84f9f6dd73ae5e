package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/groundwork/pkg/telemetry"
)

// instrumentationName is the tracer name used when no tracer is configured.
const instrumentationName = "github.com/openfroyo/groundwork/pkg/engine"

// Engine lifts phases onto targets.
// An Engine holds no per-run state and is safe for concurrent use.
type Engine struct {
	// metrics records lift outcomes; nil disables metrics.
	metrics *telemetry.Metrics

	// tracer creates lift spans.
	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records lift outcomes into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer creates lift spans with t.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t.Tracer()
		}
	}
}

// WithTelemetry wires metrics and tracing from a telemetry bundle.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Engine) {
		if tel == nil {
			return
		}
		WithMetrics(tel.Metrics)(e)
		WithTracer(tel.Tracer)(e)
	}
}

// New creates a new engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
