package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 100*time.Millisecond {
		t.Errorf("expected InitialDelay=100ms, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 5*time.Second {
		t.Errorf("expected MaxDelay=5s, got %v", cfg.MaxDelay)
	}
}

func TestDoIfRetryable_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := DoIfRetryable(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoIfRetryable_MaxRetriesExhausted(t *testing.T) {
	calls := 0
	want := errors.New("i/o timeout")
	err := DoIfRetryable(context.Background(), fastConfig(2), func() error {
		calls++
		return want
	})

	if !errors.Is(err, want) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
}

func TestDoIfRetryable_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	calls := 0
	err := DoIfRetryable(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("connection refused")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoIfRetryable_NilConfigUsesDefaults(t *testing.T) {
	calls := 0
	if err := DoIfRetryable(context.Background(), nil, func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoIfRetryable_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	err := DoIfRetryable(context.Background(), fastConfig(5), func() error {
		calls++
		return errors.New("permission denied")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoIfRetryable_EscalatesRepeatedErrorType(t *testing.T) {
	cfg := fastConfig(10)
	cfg.MaxSameErrorType = 3

	calls := 0
	err := DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		return errors.New("HTTP 503 service unavailable")
	})

	if err == nil || !strings.Contains(err.Error(), "repeated error") {
		t.Fatalf("expected repeated error escalation, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls before escalation, got %d", calls)
	}
}

func TestDoIfRetryable_HonorsRetryAfter(t *testing.T) {
	cfg := &Config{MaxRetries: 1, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	calls := 0
	start := time.Now()
	err := DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return &apperrors.RateLimitedError{RetryAfter: 10 * time.Millisecond}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected provider delay to replace backoff, waited %v", elapsed)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("people api: %w", context.DeadlineExceeded), true},
		{"rate limited", &apperrors.RateLimitedError{RetryAfter: time.Second}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"http 503", errors.New("googleapi: Error 503: backend error"), true},
		{"auth expired", apperrors.ErrProviderAuthExpired, false},
		{"validation", errors.New("name is required"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSleep_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
