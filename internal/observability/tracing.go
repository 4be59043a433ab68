package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/parleyhq/parley"

// Tracer wraps an OpenTelemetry tracer for span creation around event
// processing, LLM calls, and tool executions. It uses whatever trace provider
// the host process installed globally; without one, spans are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer bound to the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartEvent opens a span for processing one queue event.
func (t *Tracer) StartEvent(ctx context.Context, eventType, threadID, eventID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "engine.process_event",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("thread.id", threadID),
			attribute.String("event.id", eventID),
		),
	)
}

// StartLLM opens a span for an LLM request.
func (t *Tracer) StartLLM(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		),
	)
}

// StartTool opens a span for a tool execution.
func (t *Tracer) StartTool(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", toolName)),
	)
}

// EndSpan closes a span, recording err if non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
