package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the process tracer from the global provider set by Init.
// Before Init runs it yields a no-op tracer.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName)
}

// Standard attribute keys for gateway spans.
var (
	AttrAgentID      = attribute.Key("roost.agent.id")
	AttrSessionKey   = attribute.Key("roost.session.key")
	AttrSessionID    = attribute.Key("roost.session.id")
	AttrRunID        = attribute.Key("roost.run.id")
	AttrChannel      = attribute.Key("roost.channel")
	AttrModel        = attribute.Key("roost.llm.model")
	AttrTokensInput  = attribute.Key("roost.llm.tokens.input")
	AttrTokensOutput = attribute.Key("roost.llm.tokens.output")
	AttrQueueMode    = attribute.Key("roost.queue.mode")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (channel or gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, channel send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
