package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey int

const requestIDKey contextKey = iota

// Generate returns a new unique request id.
func Generate() string {
	return uuid.NewString()
}

// ToContext stores the request id in the context.
func ToContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromContext returns the request id stored in the context, or empty string.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContextPtr returns the request id as a pointer, or nil when absent.
func FromContextPtr(ctx context.Context) *string {
	if id := FromContext(ctx); id != "" {
		return &id
	}
	return nil
}

// FromRequest extracts the request id from the HTTP request context.
func FromRequest(r *http.Request) string {
	return FromContext(r.Context())
}
