package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/webedt/autodev/internal/retry"
)

// fakeClock advances manually so cooldown transitions are deterministic.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	b := New(Config{FailureThreshold: threshold, Cooldown: cooldown})
	b.clock = clock.Now
	return b, clock
}

// TestBreakerOpensAfterThreshold verifies consecutive failures trip the circuit.
func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	failure := errors.New("backend down")

	for i := 0; i < 2; i++ {
		b.RecordFailure(failure)
		if err := b.Allow(); err != nil {
			t.Fatalf("circuit open after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure(failure)
	err := b.Allow()
	if err == nil {
		t.Fatal("circuit should be open after threshold failures")
	}
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("error = %T, want *OpenError", err)
	}
	if openErr.RetryIn <= 0 || openErr.RetryIn > time.Minute {
		t.Errorf("RetryIn = %v, want within cooldown", openErr.RetryIn)
	}
}

// TestBreakerSuccessResetsFailureCount verifies a success clears the streak.
func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	failure := errors.New("flake")

	b.RecordFailure(failure)
	b.RecordFailure(failure)
	b.RecordSuccess()
	b.RecordFailure(failure)
	b.RecordFailure(failure)

	if err := b.Allow(); err != nil {
		t.Error("circuit should stay closed when failures are not consecutive")
	}
}

// TestBreakerHalfOpenSingleTrial verifies exactly one call passes after
// the cooldown, and its outcome decides the next state.
func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure(errors.New("down"))

	if err := b.Allow(); err == nil {
		t.Fatal("circuit should be open")
	}

	clock.Advance(time.Minute + time.Second)

	// First call after cooldown is the trial.
	if err := b.Allow(); err != nil {
		t.Fatalf("trial request should be allowed: %v", err)
	}
	// A second concurrent call is rejected while the trial is in flight.
	if err := b.Allow(); err == nil {
		t.Fatal("only one trial request may be in flight")
	}

	// Trial failure reopens.
	b.RecordFailure(errors.New("still down"))
	if err := b.Allow(); err == nil {
		t.Fatal("failed trial should reopen the circuit")
	}

	// After another cooldown, a successful trial closes.
	clock.Advance(time.Minute + time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial request should be allowed: %v", err)
	}
	b.RecordSuccess()
	if b.Snapshot().State != StateClosed {
		t.Errorf("state = %v after successful trial, want closed", b.Snapshot().State)
	}
	if err := b.Allow(); err != nil {
		t.Error("closed circuit should allow requests")
	}
}

// TestSnapshot verifies the health view fields.
func TestSnapshot(t *testing.T) {
	b, _ := newTestBreaker(2, 30*time.Second)

	h := b.Snapshot()
	if h.State != StateClosed || h.ConsecutiveFailures != 0 {
		t.Errorf("initial snapshot = %+v, want closed with zero failures", h)
	}

	b.RecordFailure(errors.New("x"))
	b.RecordFailure(errors.New("x"))
	h = b.Snapshot()
	if h.State != StateOpen {
		t.Errorf("state = %v, want open", h.State)
	}
	if h.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", h.ConsecutiveFailures)
	}
	if h.RetryIn <= 0 {
		t.Error("open snapshot should expose time to next trial")
	}
}

// TestExecuteFailsFastWhenOpen verifies no network call happens through
// an open circuit.
func TestExecuteFailsFastWhenOpen(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure(errors.New("down"))

	calls := 0
	_, err := Execute(context.Background(), b, retry.DefaultConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})

	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("error = %v, want *OpenError", err)
	}
	if calls != 0 {
		t.Errorf("operation called %d times through open circuit, want 0", calls)
	}
}

// TestExecuteFeedsOutcomesBack verifies breaker bookkeeping during retries.
func TestExecuteFeedsOutcomesBack(t *testing.T) {
	b, _ := newTestBreaker(10, time.Minute)
	cfg := retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1.0}

	calls := 0
	got, err := Execute(context.Background(), b, cfg, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("network flake")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	h := b.Snapshot()
	if h.ConsecutiveFailures != 0 || h.State != StateClosed {
		t.Errorf("snapshot after success = %+v, want reset closed breaker", h)
	}
}

// TestStateString covers the state set.
func TestStateString(t *testing.T) {
	want := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	}
	for s, str := range want {
		if s.String() != str {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), str)
		}
	}
}
