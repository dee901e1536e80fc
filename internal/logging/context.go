package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := NodeIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("node.id", id))
	}
	if mc := MemoryContextFromContext(ctx); mc != "" {
		fields = append(fields, zap.String("memory.context", mc))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}

type nodeCtxKey struct{}
type memoryCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// WithNodeID tags the context with the id of the node handling the work.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeCtxKey{}, nodeID)
}

// NodeIDFromContext returns the node id, or "" when unset.
func NodeIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(nodeCtxKey{}).(string)
	return s
}

// WithMemoryContext tags the context with the memory namespace being operated on.
func WithMemoryContext(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, memoryCtxKey{}, name)
}

// MemoryContextFromContext returns the memory namespace, or "" when unset.
func MemoryContextFromContext(ctx context.Context) string {
	s, _ := ctx.Value(memoryCtxKey{}).(string)
	return s
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
