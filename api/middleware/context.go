package middleware

import (
	"context"

	"github.com/google/uuid"
)

type callerKey struct{}

// WithCaller records the authenticated user on ctx.
func WithCaller(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

// CallerFromContext returns the user Identity resolved for this request.
func CallerFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(callerKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// callerString is the caller id for keys and scopes, empty when anonymous.
func callerString(ctx context.Context) string {
	if id, ok := CallerFromContext(ctx); ok {
		return id.String()
	}
	return ""
}
