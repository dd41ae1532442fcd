package infrastructure

import "context"

type contextKey string

// TraceIDContextKey carries the per-request correlation id. It is echoed in
// log records, audit events and problem responses.
const TraceIDContextKey contextKey = "trace_id"

// WithTraceID returns a copy of ctx carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// GetTraceID returns the correlation id of ctx, or "".
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDContextKey).(string); ok {
		return traceID
	}
	return ""
}
