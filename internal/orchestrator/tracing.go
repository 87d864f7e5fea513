// Tracing instrumentation for the agent loop.
package orchestrator

import (
	"context"
	"strconv"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/agentcore/internal/session"
)

// startRunSpan starts a span covering one Run call.
func (o *Orchestrator) startRunSpan(ctx context.Context, meta session.Session) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "session.run")
	span.SetAttributes(
		attribute.String("session.id", meta.ID),
		attribute.String("session.agent", meta.AgentType),
		attribute.Int("session.depth", meta.Depth),
	)
	if meta.Parent != "" {
		span.SetAttributes(attribute.String("session.parent", meta.Parent))
	}
	return ctx, span
}

// endRunSpan ends the run span with the outcome.
func (o *Orchestrator) endRunSpan(span trace.Span, status, reason string, err error) {
	span.SetAttributes(
		attribute.String("session.status", status),
		attribute.String("session.reason", reason),
		attribute.Int("session.steps", o.step),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startStepSpan starts a span for one model turn and its commit.
func (o *Orchestrator) startStepSpan(ctx context.Context, step int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "step."+strconv.Itoa(step))
	span.SetAttributes(attribute.Int("step.number", step))
	return ctx, span
}

// endStepSpan ends the step span.
func (o *Orchestrator) endStepSpan(span trace.Span, err error) {
	tracer := telemetry.GetTracer()
	if tracer.Debug() && o.final != "" {
		span.SetAttributes(attribute.String("step.output", truncate(o.final, 2000)))
	}
	span.SetAttributes(attribute.String("step.finish", o.finish))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
