package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Clawdeck spans.
var (
	AttrAgentID      = attribute.Key("clawdeck.agent.id")
	AttrTaskID       = attribute.Key("clawdeck.task.id")
	AttrSessionID    = attribute.Key("clawdeck.session.id")
	AttrSessionKey   = attribute.Key("clawdeck.session.key")
	AttrMethod       = attribute.Key("clawdeck.rpc.method")
	AttrScheduleName = attribute.Key("clawdeck.schedule.name")
	AttrRepairKind   = attribute.Key("clawdeck.repair.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound gateway call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
