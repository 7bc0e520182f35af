// Package logging provides request ID context propagation so log lines from
// the rotation loop can be correlated with the inbound request.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// GenerateRequestID creates an 8-character hex request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom retrieves the request ID from the context.
// Returns empty string if not found.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Prefix formats the context's request ID as a "[id] " log prefix,
// or an empty string when no ID is present.
func Prefix(ctx context.Context) string {
	if id := RequestIDFrom(ctx); id != "" {
		return "[" + id + "] "
	}
	return ""
}
