package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for conductor spans.
var (
	AttrTaskID       = attribute.Key("conductor.task.id")
	AttrTaskTitle    = attribute.Key("conductor.task.title")
	AttrToolName     = attribute.Key("conductor.tool.name")
	AttrModel        = attribute.Key("conductor.llm.model")
	AttrTokensInput  = attribute.Key("conductor.llm.tokens.input")
	AttrTokensOutput = attribute.Key("conductor.llm.tokens.output")
	AttrIteration    = attribute.Key("conductor.loop.iteration")
	AttrSessionID    = attribute.Key("conductor.session.id")
	AttrSubagentID   = attribute.Key("conductor.subagent.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
