package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFallbackChain_PrimarySuccess(t *testing.T) {
	fc := NewFallbackChain("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fc.AddFallback("secondary", "secondary")

	result, err := Try(context.Background(), fc, func(v string) (string, error) {
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-primary" {
		t.Fatalf("result = %q, want from-primary", result)
	}
}

func TestFallbackChain_PrimaryFailFallbackSuccess(t *testing.T) {
	fc := NewFallbackChain("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fc.AddFallback("secondary", "secondary")

	result, err := Try(context.Background(), fc, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-secondary" {
		t.Fatalf("result = %q, want from-secondary", result)
	}
}

func TestFallbackChain_AllFail(t *testing.T) {
	fc := NewFallbackChain("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fc.AddFallback("secondary", "secondary")

	_, err := Try(context.Background(), fc, func(v string) (string, error) {
		return "", errTest
	})
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackChain_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	fc := NewFallbackChain("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	fc.AddFallback("secondary", "secondary")
	ctx := context.Background()

	// Fail the primary enough to open its breaker.
	for i := 0; i < 2; i++ {
		_, _ = Try(ctx, fc, func(v string) (string, error) {
			if v == "primary" {
				return "", errTest
			}
			return v, nil
		})
	}

	// Now the primary's breaker should be open — calls should go to secondary.
	result, err := Try(ctx, fc, func(v string) (string, error) {
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "secondary" {
		t.Fatalf("result = %q, want secondary (primary circuit should be open)", result)
	}
}

func TestFallbackChain_CancelledContextStopsWalk(t *testing.T) {
	fc := NewFallbackChain("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fc.AddFallback("secondary", "secondary")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Try(ctx, fc, func(v string) (string, error) {
		calls++
		return v, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Fatalf("fn called %d times on cancelled context, want 0", calls)
	}
}

func TestFallbackChain_Primary(t *testing.T) {
	fc := NewFallbackChain(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fc.AddFallback("twenty", 20)

	if got := fc.Primary(); got != 10 {
		t.Fatalf("Primary() = %d, want 10", got)
	}
}
