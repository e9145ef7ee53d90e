package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxseg/internal/observe"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSegmentation opens the span that covers one segmentation job: decode,
// inference and merging. source is "http" or "batch"; path names the input
// file and may be empty. Finish the span with [EndSegmentation].
func StartSegmentation(ctx context.Context, source, path string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("voxseg.source", source)}
	if path != "" {
		attrs = append(attrs, attribute.String("voxseg.path", path))
	}
	return tracer().Start(ctx, "voxseg.segmentation", trace.WithAttributes(attrs...))
}

// EndSegmentation records the outcome on span and ends it. Only backend and
// unclassified failures mark the span as an error; rejected input is the
// caller's problem and stays unset.
func EndSegmentation(span trace.Span, err error, samples, segments int) {
	status := SegmentStatus(err)
	span.SetAttributes(
		attribute.String("voxseg.status", status),
		attribute.Int("voxseg.samples", samples),
		attribute.Int("voxseg.segments", segments),
	)
	if err != nil {
		span.RecordError(err)
		if status == StatusInferenceError || status == StatusError {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// CorrelationID returns the trace ID of the active span in ctx, or "" when
// there is none. It is echoed to HTTP clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace returns l with trace_id and span_id from ctx, or l itself when
// ctx carries no span.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
