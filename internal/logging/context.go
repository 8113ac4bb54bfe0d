package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	// Agent pair context
	if pairKey := PairKeyFromContext(ctx); pairKey != "" {
		fields = append(fields, zap.String("pair.key", pairKey))
	}

	// Request ID
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// Context key types
type pairCtxKey struct{}
type requestCtxKey struct{}

// PairKeyFromContext extracts the agent pair key from context.
func PairKeyFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(pairCtxKey{}).(string); ok {
		return p
	}
	return ""
}

// WithPairKey adds an agent pair key to context.
func WithPairKey(ctx context.Context, pairKey string) context.Context {
	return context.WithValue(ctx, pairCtxKey{}, pairKey)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}
