package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const remoteTracerName = "agentproxy-remote"

func remoteTracer() trace.Tracer {
	return Tracer(remoteTracerName)
}

// TraceRemoteCall starts a client span for one streaming call to a remote agent.
// Caller must call span.End() once the call is finalized.
func TraceRemoteCall(ctx context.Context, agent, callee, callID string, sharing bool) (context.Context, trace.Span) {
	ctx, span := remoteTracer().Start(ctx, "remote.call "+callee,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("remote.agent", agent),
		attribute.String("remote.callee", callee),
		attribute.String("call_id", callID),
		attribute.Bool("remote.share_call_stack", sharing),
	)
	return ctx, span
}

// TraceRemoteResult records the final status of a remote call on its span.
func TraceRemoteResult(span trace.Span, status string, forwarded int, err error) {
	span.SetAttributes(
		attribute.String("remote.status", status),
		attribute.Int("remote.forwarded", forwarded),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceForwardedEvent creates a single span for a message forwarded to the bus.
func TraceForwardedEvent(ctx context.Context, eventType, callID string, stripped bool) {
	_, span := remoteTracer().Start(ctx, "remote.forward."+eventType,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("event_type", eventType),
		attribute.String("call_id", callID),
		attribute.Bool("trace_stripped", stripped),
	)
}

// TraceMCPToolCall starts a client span for an MCP tool invocation.
func TraceMCPToolCall(ctx context.Context, server, tool string) (context.Context, trace.Span) {
	ctx, span := remoteTracer().Start(ctx, "mcp.call_tool "+tool,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("mcp.server", server),
		attribute.String("mcp.tool", tool),
	)
	return ctx, span
}
