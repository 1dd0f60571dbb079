// Package retry provides a generic exponential-backoff retry engine with
// error classification and support for server-provided retry-after hints.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config holds retry behaviour for one call site. Distinct presets exist
// for plain network operations and rate-limited APIs.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries int

	// BaseDelay is the initial backoff duration.
	BaseDelay time.Duration

	// MaxDelay caps both computed backoff and server hints.
	MaxDelay time.Duration

	// BackoffMultiplier is applied to the delay on each retry.
	BackoffMultiplier float64

	// Jitter toggles randomized delay spreading.
	Jitter bool

	// JitterFactor is the +/- fraction applied when Jitter is on.
	JitterFactor float64
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterFactor:      0.25,
	}
}

// NetworkConfig returns the preset for clone/push style network operations.
func NetworkConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterFactor:      0.25,
	}
}

// RateLimitConfig returns the preset for rate-limited API calls, with a
// higher delay ceiling so Retry-After hints are respected.
func RateLimitConfig() Config {
	return Config{
		MaxRetries:        5,
		BaseDelay:         5 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterFactor:      0.25,
	}
}

// Option customizes one Do invocation.
type Option func(*options)

type options struct {
	shouldRetry func(error) bool
	onRetry     func(err error, attempt int, delay time.Duration)
	sleep       func(ctx context.Context, d time.Duration) error
}

// WithShouldRetry overrides the classifier-based retry decision.
func WithShouldRetry(fn func(error) bool) Option {
	return func(o *options) { o.shouldRetry = fn }
}

// WithOnRetry installs an observability callback invoked before each sleep.
func WithOnRetry(fn func(err error, attempt int, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleep replaces the sleep function. Tests and simulations use this to
// avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// Do executes op up to cfg.MaxRetries+1 times with exponential backoff.
// After each failure the retry decision comes from shouldRetry (default:
// the classifier's verdict); a server retry-after hint, when present,
// replaces the computed backoff, capped at MaxDelay. Sleeping suspends
// only the calling goroutine and honors ctx cancellation.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := options{
		shouldRetry: func(err error) bool { return Classify(err).Retryable },
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries || !o.shouldRetry(err) {
			break
		}

		delay := Delay(cfg, attempt, err)
		if o.onRetry != nil {
			o.onRetry(err, attempt+1, delay)
		}
		if err := o.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

// Delay computes the backoff before the next attempt after a failure on
// the given zero-indexed attempt. A retry-after hint on the error wins
// over the exponential schedule; both are capped at cfg.MaxDelay.
func Delay(cfg Config, attempt int, err error) time.Duration {
	if hint := Classify(err).RetryAfter; hint > 0 {
		if hint > cfg.MaxDelay {
			return cfg.MaxDelay
		}
		return hint
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= cfg.BackoffMultiplier
	}
	delay := time.Duration(float64(cfg.BaseDelay) * multiplier)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter && cfg.JitterFactor > 0 {
		jitter := float64(delay) * cfg.JitterFactor * (rand.Float64()*2 - 1)
		delay += time.Duration(jitter)
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
