// Package breaker implements a circuit breaker guarding one external
// dependency, typically the agent backend. One breaker instance is shared
// by all concurrent tasks hitting the same backend and is injected, never
// held as package-global state.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/webedt/autodev/internal/retry"
)

// State is the circuit's position.
type State int

const (
	// StateClosed lets requests flow normally.
	StateClosed State = iota
	// StateOpen rejects requests immediately until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single trial request to test recovery.
	StateHalfOpen
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit from CLOSED.
	FailureThreshold int

	// Cooldown is how long the circuit stays OPEN before allowing a
	// trial request.
	Cooldown time.Duration
}

// DefaultConfig returns sensible breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// OpenError is returned when the circuit rejects a request without
// attempting it.
type OpenError struct {
	// RetryIn is the time remaining until a trial request is allowed.
	RetryIn time.Duration
}

// Error implements the error interface for OpenError.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open: agent backend unavailable, retry in %s", e.RetryIn.Round(time.Second))
}

// Health is an observability snapshot of the breaker.
type Health struct {
	State               State
	ConsecutiveFailures int
	RetryIn             time.Duration // Zero unless OPEN
	LastFailure         time.Time
}

// Breaker tracks rolling health of one dependency. Safe for concurrent use;
// state transitions happen under a single mutex so no success or failure
// signal is lost.
type Breaker struct {
	mu                  sync.Mutex
	cfg                 Config
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
	lastFailure         time.Time
	clock               func() time.Time
}

// New creates a closed Breaker with the given config. Zero or negative
// config fields fall back to defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, state: StateClosed, clock: time.Now}
}

// Allow reports whether a request may proceed. When the circuit is OPEN
// and the cooldown has not elapsed it returns an OpenError carrying the
// time remaining; when the cooldown has elapsed it transitions to
// HALF_OPEN and admits exactly one trial request.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.clock().Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return &OpenError{RetryIn: b.cfg.Cooldown - elapsed}
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return &OpenError{RetryIn: 0}
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess feeds a successful outcome back. A success in HALF_OPEN
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.state = StateClosed
}

// RecordFailure feeds a failed outcome back. A failure in HALF_OPEN or
// FailureThreshold consecutive failures in CLOSED opens the circuit.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clock()
	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.open()
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

// open transitions to OPEN. Caller holds the mutex.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.clock()
}

// Snapshot returns the current health view.
func (b *Breaker) Snapshot() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailure:         b.lastFailure,
	}
	if b.state == StateOpen {
		if remaining := b.cfg.Cooldown - b.clock().Sub(b.openedAt); remaining > 0 {
			h.RetryIn = remaining
		}
	}
	return h
}

// Execute composes the breaker with the retry engine: before each attempt
// it consults Allow; an open circuit fails fast with an OpenError and no
// call is made. Operation outcomes are fed back into the breaker.
func Execute[T any](ctx context.Context, b *Breaker, cfg retry.Config, op func(ctx context.Context) (T, error), opts ...retry.Option) (T, error) {
	guarded := func(ctx context.Context) (T, error) {
		var zero T
		if err := b.Allow(); err != nil {
			return zero, err
		}
		result, err := op(ctx)
		if err != nil {
			b.RecordFailure(err)
			return zero, err
		}
		b.RecordSuccess()
		return result, nil
	}

	opts = append(opts, retry.WithShouldRetry(func(err error) bool {
		// An open circuit means fail fast, not retry in place.
		if _, ok := err.(*OpenError); ok {
			return false
		}
		return retry.Classify(err).Retryable
	}))

	return retry.Do(ctx, cfg, guarded, opts...)
}
