package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for relay spans and metrics.
var (
	AttrConversation   = attribute.Key("gorelay.conversation")
	AttrChannel        = attribute.Key("gorelay.channel")
	AttrAgentSessionID = attribute.Key("gorelay.agent.session_id")
	AttrTurnID         = attribute.Key("gorelay.turn.id")
	AttrMode           = attribute.Key("gorelay.engine.mode")
	AttrErrorKind      = attribute.Key("gorelay.turn.error_kind")
	AttrOutcome        = attribute.Key("gorelay.turn.outcome")
	AttrReason         = attribute.Key("gorelay.reason")
	AttrJobID          = attribute.Key("gorelay.cron.job_id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound chat message or admin request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for a call into the agent.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
