package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OwnerScope wraps a connection with owner context and ensures cleanup.
// The connection has app.current_owner_id set for RLS policy evaluation,
// so every query on it only sees the owner's rows.
type OwnerScope struct {
	Conn    *pgxpool.Conn
	OwnerID string
}

// Close resets owner context and releases the connection to the pool.
// This MUST be called to prevent owner context from leaking to the next request.
func (s *OwnerScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_owner_id")
	s.Conn.Release()
}

// WithOwner acquires a connection and sets the owner context for RLS.
// The returned OwnerScope MUST be closed with defer scope.Close().
func (db *DB) WithOwner(ctx context.Context, ownerID string) (*OwnerScope, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_owner_id', $1, false)", ownerID)
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &OwnerScope{Conn: conn, OwnerID: ownerID}, nil
}

// WithoutOwner acquires a connection without owner context.
// Only the job dispatcher uses this, to claim jobs across owners.
// The returned OwnerScope MUST be closed with defer scope.Close().
func (db *DB) WithoutOwner(ctx context.Context) (*OwnerScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &OwnerScope{Conn: conn}, nil
}

// InTx runs fn inside a transaction on the scope's connection. Repository calls
// made with ctx inside fn share the transaction, since they use the same connection.
func InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	scope, ok := GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.Background())
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.Background())
		}
	}()

	if err = fn(ctx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
