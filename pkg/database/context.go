package database

import (
	"context"
)

type contextKey string

const (
	// OwnerScopeKey is the context key for storing the owner-scoped database connection.
	OwnerScopeKey contextKey = "ownerScope"
)

// GetOwnerScope retrieves the owner-scoped database connection from context.
// Returns nil and false if not present.
func GetOwnerScope(ctx context.Context) (*OwnerScope, bool) {
	scope, ok := ctx.Value(OwnerScopeKey).(*OwnerScope)
	return scope, ok
}

// SetOwnerScope stores the owner-scoped database connection in context.
func SetOwnerScope(ctx context.Context, scope *OwnerScope) context.Context {
	return context.WithValue(ctx, OwnerScopeKey, scope)
}

// OwnerScopeProvider creates owner-scoped contexts outside of HTTP requests
// (import workers, CLI commands).
type OwnerScopeProvider interface {
	WithOwnerScope(ctx context.Context, ownerID string) (context.Context, func(), error)
	WithoutOwnerScope(ctx context.Context) (context.Context, func(), error)
}

type ownerScopeProvider struct {
	db *DB
}

// NewOwnerScopeProvider creates an OwnerScopeProvider for the given database.
func NewOwnerScopeProvider(db *DB) OwnerScopeProvider {
	return &ownerScopeProvider{db: db}
}

// WithOwnerScope returns a context with owner scope set.
// The cleanup function must be called when the scope is no longer needed.
func (p *ownerScopeProvider) WithOwnerScope(ctx context.Context, ownerID string) (context.Context, func(), error) {
	scope, err := p.db.WithOwner(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	return SetOwnerScope(ctx, scope), scope.Close, nil
}

// WithoutOwnerScope returns a context with an unscoped connection.
func (p *ownerScopeProvider) WithoutOwnerScope(ctx context.Context) (context.Context, func(), error) {
	scope, err := p.db.WithoutOwner(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetOwnerScope(ctx, scope), scope.Close, nil
}
