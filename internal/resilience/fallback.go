package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackChain] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackChain].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// chainEntry pairs a provider value with its dedicated circuit breaker.
type chainEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackChain wraps a primary and zero or more fallback instances of the
// same provider type. When the primary fails (or its circuit breaker is open),
// the next healthy fallback is tried in registration order.
//
// Register all entries before first use; after that the chain is safe for
// concurrent use.
type FallbackChain[T any] struct {
	entries []chainEntry[T]
	cfg     FallbackConfig
}

// NewFallbackChain creates a [FallbackChain] with primary as the first entry.
// Additional fallbacks are registered via [FallbackChain.AddFallback].
func NewFallbackChain[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackChain[T] {
	cbCfg := cfg.CircuitBreaker
	cbCfg.Name = primaryName
	return &FallbackChain[T]{
		entries: []chainEntry[T]{
			{
				name:    primaryName,
				value:   primary,
				breaker: NewCircuitBreaker(cbCfg),
			},
		},
		cfg: cfg,
	}
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order
// they are added, after the primary.
func (fc *FallbackChain[T]) AddFallback(name string, fallback T) {
	cbCfg := fc.cfg.CircuitBreaker
	cbCfg.Name = name
	fc.entries = append(fc.entries, chainEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Primary returns the first registered provider.
func (fc *FallbackChain[T]) Primary() T {
	return fc.entries[0].value
}

// Try runs fn against each entry in the chain until one succeeds, returning
// that entry's result. Circuit-breaker-open entries are skipped, and the walk
// stops early once ctx is done. Returns [ErrAllFailed] wrapped with the last
// error if every entry fails.
//
// This is a package-level function because Go does not support method-level
// type parameters.
func Try[T any, R any](ctx context.Context, fc *FallbackChain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fc.entries {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w: %v", err, lastErr)
			}
			return zero, err
		}

		entry := &fc.entries[i]
		var result R
		err := entry.breaker.Execute(ctx, func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
