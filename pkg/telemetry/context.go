package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type (
	telemetryContextKey struct{}
	runIDContextKey     struct{}
	runSpanKey          struct{}
	runStartKey         struct{}
)

// NewTelemetry validates cfg and builds the logger, tracer and metrics.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// WithRunID stores the run ID in the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDContextKey{}, runID)
}

// RunIDFromContext returns the run ID stored in the context, if any.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDContextKey{}).(string); ok {
		return id
	}
	return ""
}

// Shutdown flushes and stops the tracer and the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.Metrics.Shutdown(ctx))
}

// StartMetricsServer serves metrics when they are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Operation is a traced, logged unit of work started by StartOperation.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	started time.Time
}

// StartOperation opens a span for operation and a logger tagged with it and
// with the trace IDs. Without telemetry in ctx only the logger is set.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, Logger: FromContext(ctx), started: time.Now()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return op
	}

	ctx, op.Span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	op.Logger = tel.Logger.WithField("operation", operation)
	if sc := op.Span.SpanContext(); sc.IsValid() {
		op.Logger = op.Logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	op.Ctx = op.Logger.WithContext(ctx)
	return op
}

// Duration is the time since the operation started.
func (op *Operation) Duration() time.Duration {
	return time.Since(op.started)
}

// End records err, or success, on the span and ends it.
func (op *Operation) End(err error) {
	if op.Span == nil {
		return
	}
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}

// WithRunContext starts a run: it stores the run ID, opens a run span and
// records the run as started.
func WithRunContext(ctx context.Context, runID, kind string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = context.WithValue(ctx, runStartKey{}, time.Now())

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, kind)
	logger := tel.Logger.WithRunID(runID).WithField("kind", kind)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted(kind)

	return context.WithValue(spanCtx, runSpanKey{}, span)
}

// EndRunContext completes the run started by WithRunContext.
func EndRunContext(ctx context.Context, kind, status string, err error) time.Duration {
	var duration time.Duration
	if start, ok := ctx.Value(runStartKey{}).(time.Time); ok {
		duration = time.Since(start)
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return duration
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordRunCompleted(kind, status, duration)
	return duration
}
