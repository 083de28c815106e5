package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
)

// Config defines retry behavior with exponential backoff
type Config struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFactor     float64 // 0.0-1.0, +/- jitter applied to every delay
	MaxSameErrorType int     // After N consecutive same-type errors, treat as permanent (0 disables)
}

// DefaultConfig returns defaults for database operations:
// 3 retries with 100ms initial delay, capped at 5s, doubling each time, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoIfRetryable calls fn until it succeeds, returns a permanent error, or
// the retries run out. After MaxSameErrorType consecutive failures of the
// same kind it gives up early. A nil cfg means DefaultConfig.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	var lastKind string
	sameKind := 0
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		kind := classifyErrorType(err)
		if kind == lastKind {
			sameKind++
			if cfg.MaxSameErrorType > 0 && sameKind >= cfg.MaxSameErrorType {
				return fmt.Errorf("repeated error (%d times, type=%s): %w", sameKind, kind, err)
			}
		} else {
			sameKind = 1
			lastKind = kind
		}

		if attempt == cfg.MaxRetries {
			break
		}

		wait := applyJitter(delay, cfg.JitterFactor)
		var rl *apperrors.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			wait = rl.RetryAfter
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

// RetryableError is an interface for errors that explicitly declare their retryability.
// apperrors.RateLimitedError implements it.
type RetryableError interface {
	error
	IsRetryable() bool
}

// transient Postgres error codes: serialization_failure, deadlock_detected,
// too_many_connections, admin_shutdown, cannot_connect_now.
var retryablePgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"53300": true,
	"57P01": true,
	"57P03": true,
}

// IsRetryable determines if an error is transient and worth retrying.
//
// Checked in order: explicit RetryableError, Postgres error codes, then
// known retryable error strings from network and HTTP layers.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCodes[pgErr.Code]
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"i/o timeout",
		"network is unreachable",
		"unexpected eof",
		"429",
		"500",
		"502",
		"503",
		"504",
		"rate limit",
		"service unavailable",
		"too many requests",
		"backend error",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// classifyErrorType groups errors so repeated failures of one kind can be detected.
func classifyErrorType(err error) string {
	if err == nil {
		return "nil"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return "pg_" + pgErr.Code
	}
	if errors.Is(err, apperrors.ErrRateLimited) {
		return "rate_limit"
	}

	errStr := strings.ToLower(err.Error())
	for _, code := range []string{"503", "502", "504", "500", "429"} {
		if strings.Contains(errStr, code) {
			return code
		}
	}

	switch {
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "connection reset"):
		return "connection"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "timed out"):
		return "timeout"
	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "too many requests"):
		return "rate_limit"
	}
	return "unknown"
}
