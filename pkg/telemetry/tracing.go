package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "buildhive/orchestrator"

// Tracer returns the orchestrator tracer from the globally installed
// provider. Without an installed SDK this is a no-op tracer, so span
// calls stay safe in tests and minimal deployments.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// HashID reduces an identifier to a short stable digest. Spans carry
// this instead of raw user IDs, so traces stay correlatable without
// exporting identity to the telemetry backend.
func HashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}

// StartWorkflowSpan opens the root span for one workflow execution.
func StartWorkflowSpan(ctx context.Context, userID, workflowType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("user_id", HashID(userID)),
			attribute.String("workflow_type", workflowType),
		),
	)
}

// StartPhaseSpan opens a child span for a workflow phase.
func StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow.phase."+phase,
		trace.WithAttributes(attribute.String("phase", phase)),
	)
}

// StartAgentTaskSpan opens a span for a task dispatched to an agent.
func StartAgentTaskSpan(ctx context.Context, role, taskID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.task",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agent.role", role),
			attribute.String("task.id", taskID),
		),
	)
}

// StartLLMSpan opens a span for one LLM request.
func StartLLMSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "llm."+provider,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		),
	)
}

// EndSpan records err (when non-nil) and closes the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the active trace id, or "" when not recording.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
