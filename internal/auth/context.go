package auth

import (
	"context"
	"errors"
)

// ErrNoIdentity means no authenticated identity is attached to the context.
var ErrNoIdentity = errors.New("auth: no identity in context")

type identity struct {
	userID string
	role   string
}

type identityKey struct{}

// WithIdentity attaches the caller verified by RequireAccessToken.
func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity{userID: userID, role: role})
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

func UserID(ctx context.Context) (string, error) {
	if id := identityFrom(ctx); id.userID != "" {
		return id.userID, nil
	}
	return "", ErrNoIdentity
}

func Role(ctx context.Context) (string, error) {
	if id := identityFrom(ctx); id.role != "" {
		return id.role, nil
	}
	return "", ErrNoIdentity
}
