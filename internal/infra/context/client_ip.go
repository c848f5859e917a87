package context

import (
	"context"
)

type contextKey string

const contextKeyClientIP = contextKey("clientIP")

// ClientIPFromContext extracts the observed client IP address from the context.
// Returns the address and true if present, or empty string and false if not present.
func ClientIPFromContext(ctx context.Context) (string, bool) {
	clientIP, ok := ctx.Value(contextKeyClientIP).(string)

	return clientIP, ok
}

// WithClientIP creates a new context carrying the client IP address observed
// for the current connection. Used for logging throughout the handler/worker
// pipeline without threading the address through every function signature.
func WithClientIP(ctx context.Context, clientIP string) context.Context {
	return context.WithValue(ctx, contextKeyClientIP, clientIP)
}
