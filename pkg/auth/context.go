package auth

import (
	"context"
	"errors"
)

// ErrNoOwner is returned when the context carries no authenticated owner.
var ErrNoOwner = errors.New("owner ID not found in context")

// GetOwnerIDFromContext returns the token subject, or "" when the request is
// unauthenticated.
func GetOwnerIDFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// RequireOwnerIDFromContext is GetOwnerIDFromContext for callers that cannot
// proceed without an owner.
func RequireOwnerIDFromContext(ctx context.Context) (string, error) {
	ownerID := GetOwnerIDFromContext(ctx)
	if ownerID == "" {
		return "", ErrNoOwner
	}
	return ownerID, nil
}

// GetEmailFromContext returns the email claim if present.
func GetEmailFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Email
}
