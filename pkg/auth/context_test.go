package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestGetOwnerIDFromContext(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		expected string
	}{
		{
			name: "subject in claims",
			ctx: WithClaims(context.Background(), &Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"},
			}),
			expected: "user-123",
		},
		{
			name:     "no claims in context",
			ctx:      context.Background(),
			expected: "",
		},
		{
			name:     "nil claims in context",
			ctx:      context.WithValue(context.Background(), ClaimsKey, (*Claims)(nil)),
			expected: "",
		},
		{
			name:     "empty subject",
			ctx:      WithClaims(context.Background(), &Claims{}),
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetOwnerIDFromContext(tt.ctx); got != tt.expected {
				t.Errorf("GetOwnerIDFromContext() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRequireOwnerIDFromContext(t *testing.T) {
	ctx := WithClaims(context.Background(), &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"},
	})
	ownerID, err := RequireOwnerIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ownerID != "user-123" {
		t.Errorf("expected 'user-123', got %q", ownerID)
	}

	_, err = RequireOwnerIDFromContext(context.Background())
	if !errors.Is(err, ErrNoOwner) {
		t.Errorf("expected ErrNoOwner, got %v", err)
	}
}

func TestGetEmailFromContext(t *testing.T) {
	ctx := WithClaims(context.Background(), &Claims{Email: "a@example.com"})
	if got := GetEmailFromContext(ctx); got != "a@example.com" {
		t.Errorf("expected email, got %q", got)
	}
	if got := GetEmailFromContext(context.Background()); got != "" {
		t.Errorf("expected empty email, got %q", got)
	}
}
