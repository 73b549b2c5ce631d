package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/voxgate/voxgate"

// Tracer returns the tracer of the global provider.
func Tracer() trace.Tracer { return otel.Tracer(instrumentationScope) }

// StartSpan starts a span on [Tracer]. End it when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type correlationKey struct{}

// WithCorrelationID tags ctx so that log lines of one capture session or
// reply can be grouped.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func explicitID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationID returns the id from [WithCorrelationID], else the trace id
// of the active span, else "".
func CorrelationID(ctx context.Context) string {
	if id := explicitID(ctx); id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with correlation_id, trace_id and
// span_id attached when ctx has them.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := explicitID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
