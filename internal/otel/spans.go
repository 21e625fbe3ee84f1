package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrConnID    = attribute.Key("turfbot.conn.id")
	AttrSessionID = attribute.Key("turfbot.session.id")
	AttrBot       = attribute.Key("turfbot.bot")
	AttrMethod    = attribute.Key("rpc.method")
	AttrOutcome   = attribute.Key("turfbot.rpc.outcome")
)

// StartServerSpan starts a span for an inbound connection or request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
