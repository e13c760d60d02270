// Tracing instrumentation for the executor.
package executor

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/agentloop/internal/planner"
	"github.com/vinayprograms/agentloop/internal/tools"
)

// startTurnSpan starts a span for running or resuming a turn.
func (e *Executor) startTurnSpan(ctx context.Context, name, sessionID string, run *turnRun) (context.Context, trace.Span) {
	ctx, span := telemetry.GetTracer().StartSpan(ctx, name)
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("turn.id", run.id),
		attribute.Int("turn.subtasks", run.plan.Len()),
		attribute.Int("turn.dropped", run.plan.Dropped()),
	)
	return ctx, span
}

// endTurnSpan ends the turn span with its outcome.
func (e *Executor) endTurnSpan(span trace.Span, out *Outcome) {
	span.SetAttributes(
		attribute.Bool("turn.paused", out.Paused),
		attribute.Bool("turn.cancelled", out.Cancelled),
		attribute.String("turn.reply_source", string(out.Reply.Source)),
	)
	span.End()
}

// startSubtaskSpan starts a span for one operation call.
func (e *Executor) startSubtaskSpan(ctx context.Context, st planner.Subtask) (context.Context, trace.Span) {
	ctx, span := telemetry.GetTracer().StartSpan(ctx, "subtask."+st.Operation)
	span.SetAttributes(
		attribute.Int("subtask.id", st.ID),
		attribute.String("subtask.operation", st.Operation),
	)
	return ctx, span
}

// endSubtaskSpan ends the subtask span with the operation result.
func (e *Executor) endSubtaskSpan(span trace.Span, res tools.Result) {
	span.SetAttributes(attribute.Bool("subtask.success", res.Success))
	if telemetry.GetTracer().Debug() && res.Error != "" {
		span.SetAttributes(attribute.String("subtask.error", truncateForLog(res.Error, 2000)))
	}
	span.End()
}
