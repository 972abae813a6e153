package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace id to the context. Dispatch and reconcile
// passes seed one per pass so the journal rows they write can be correlated.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts the trace id from the context, "-" when absent. The
// placeholder keeps log lines and journal rows column-aligned.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID returns a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}
