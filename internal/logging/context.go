package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	identityKey  contextKey = "identity_id"
)

// GenerateRequestID creates a new request id.
func GenerateRequestID() string {
	return uuid.NewString()
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func ContextWithIdentity(ctx context.Context, identityID string) context.Context {
	return context.WithValue(ctx, identityKey, identityID)
}

func IdentityFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns the global logger enriched with the request and identity
// carried by ctx.
//
//	logging.Ctx(ctx).Info().Msg("message sent")
func Ctx(ctx context.Context) *zerolog.Logger {
	l := Logger().With().Logger()
	if ctx == nil {
		return &l
	}
	if id := RequestIDFromContext(ctx); id != "" {
		l = l.With().Str("request_id", id).Logger()
	}
	if id := IdentityFromContext(ctx); id != "" {
		l = l.With().Str("identity_id", id).Logger()
	}
	return &l
}
