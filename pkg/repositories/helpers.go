package repositories

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// msPrecision truncates t to milliseconds so values written to the store
// round-trip exactly through the wire format and keyset cursors.
func msPrecision(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// cursorTime returns nil for a zero cursor so the query's keyset predicate is skipped.
func cursorTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = msPrecision(t)
	return &t
}

// isUniqueViolation reports whether err is a unique violation on constraint
// (any constraint when constraint is empty).
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
