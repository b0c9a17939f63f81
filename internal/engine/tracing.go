// Tracing instrumentation for the engine.
package engine

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/rlm/internal/focus"
	"github.com/vinayprograms/rlm/internal/invocation"
)

// startRunSpan starts a span covering a whole Run.
func startRunSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "task.run")
	span.SetAttributes(attribute.String("task.id", taskID))
	return ctx, span
}

// endRunSpan ends the run span with the final status.
func endRunSpan(span trace.Span, report *Report, err error) {
	if report != nil {
		span.SetAttributes(
			attribute.String("task.id", report.Task.ID),
			attribute.String("task.status", string(report.Status)),
			attribute.Int("task.iterations", report.Iterations),
		)
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startStepSpan starts a span for one plan step attempt.
func startStepSpan(ctx context.Context, st focus.State, index int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "task.step")
	step := st.Plan[index]
	span.SetAttributes(
		attribute.String("task.id", st.Task.ID),
		attribute.Int("step.index", index+1),
		attribute.Int("step.retries", step.RetryCount),
	)
	if tracer.Debug() {
		span.SetAttributes(attribute.String("step.text", truncate(step.Text, 500)))
	}
	return ctx, span
}

// endStepSpan ends the step span.
func endStepSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("step.outcome", outcome))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startInvocationSpan starts a span for a sub-invocation.
func startInvocationSpan(ctx context.Context, req invocation.Request) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "invocation")
	span.SetAttributes(
		attribute.String("invocation.id", req.ID),
		attribute.Int("invocation.depth", req.Depth),
		attribute.String("invocation.class", string(req.Class)),
	)
	return ctx, span
}

// endInvocationSpan ends the invocation span with its result.
func endInvocationSpan(span trace.Span, res invocation.Result) {
	span.SetAttributes(
		attribute.String("invocation.result", string(res.Kind)),
		attribute.Int("invocation.tokens", res.InputTokens+res.OutputTokens),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	tracer := telemetry.GetTracer()
	if tracer.Debug() && res.Kind != invocation.KindFailed {
		span.SetAttributes(attribute.String("invocation.output", truncate(res.Text(), 2000)))
	}
	span.End()
}
