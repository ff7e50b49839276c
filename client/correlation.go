package client

import (
	"context"

	"pkt.systems/resvd/internal/correlation"
)

const headerCorrelationID = correlation.HeaderName

type correlationContextKey struct{}

// WithCorrelationID annotates ctx with a correlation identifier to be sent
// with subsequent requests. Invalid identifiers leave ctx unchanged.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	normalized, ok := correlation.Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, normalized)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationContextKey{}).(string); ok {
		return v
	}
	return correlation.ID(ctx)
}
