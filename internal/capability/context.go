package capability

import (
	"context"
	"strings"
)

type contextKey string

const sessionKeyContextKey contextKey = "sessionKey"

// WithSession attaches the session key to the invocation context so
// providers can scope their effects to the calling session.
func WithSession(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, sessionKeyContextKey, sessionKey)
}

// SessionFromContext returns the session key set by the dispatcher, or "".
func SessionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKeyContextKey).(string); ok {
		return v
	}
	return ""
}

// UserFromContext returns the user part of the session key ("channel:user").
func UserFromContext(ctx context.Context) string {
	key := SessionFromContext(ctx)
	if _, user, ok := strings.Cut(key, ":"); ok {
		return user
	}
	return key
}
