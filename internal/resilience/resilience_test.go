package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffPolicyDelayGrowsAndCaps(t *testing.T) {
	p := BackoffPolicy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2}

	if d := p.Delay(1); d != 10*time.Millisecond {
		t.Fatalf("expected first delay to equal initial backoff, got %v", d)
	}
	if d := p.Delay(2); d != 20*time.Millisecond {
		t.Fatalf("expected second delay to double, got %v", d)
	}
	if d := p.Delay(10); d != 50*time.Millisecond {
		t.Fatalf("expected delay capped at MaxBackoff, got %v", d)
	}
}

func TestBackoffPolicyDelayJitterStaysInRange(t *testing.T) {
	p := BackoffPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 1, Jitter: true}
	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		if d < 50*time.Millisecond || d > 100*time.Millisecond {
			t.Fatalf("jittered delay out of [0.5x, 1.0x] range: %v", d)
		}
	}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if v != 7 || calls != 2 {
		t.Fatalf("expected value 7 after 2 calls, got v=%d calls=%d", v, calls)
	}
}

func TestRetryReturnsLastErrorAfterExhaustion(t *testing.T) {
	calls := 0
	wantErr := errors.New("always fails")
	_, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error bubbled up, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Retry(ctx, 5, 50*time.Millisecond, func() (int, error) {
		calls++
		return 0, errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected retry to stop after the cancellation check on the first failed attempt, got %d calls", calls)
	}
}

func TestCircuitBreakerOpensAfterFailureRateExceeded(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 4, 4, 0.5, 50*time.Millisecond, 1)

	for i := 0; i < 4; i++ {
		cb.RecordResult(false)
	}
	if !cb.IsOpen() {
		t.Fatalf("expected breaker to open once failure rate exceeds threshold")
	}
	if cb.Allow() {
		t.Fatalf("expected Allow to refuse requests while open")
	}
}

func TestCircuitBreakerHalfOpensAfterCooldownAndCloses(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 4, 2, 0.5, 10*time.Millisecond, 1)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if !cb.IsOpen() {
		t.Fatalf("expected breaker open after 2/2 failures at threshold 0.5")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected Allow to permit a half-open probe after cooldown")
	}
	cb.RecordResult(true)
	if cb.IsOpen() {
		t.Fatalf("expected breaker to close after a successful half-open probe")
	}
}

func TestCircuitBreakerReopensOnHalfOpenProbeFailure(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 4, 2, 0.5, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	time.Sleep(20 * time.Millisecond)
	cb.Allow()
	cb.RecordResult(false)
	if !cb.IsOpen() {
		t.Fatalf("expected a failed half-open probe to reopen the breaker")
	}
}

func TestCircuitBreakerStaysClosedBelowMinSamples(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 4, 10, 0.1, time.Second, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.IsOpen() {
		t.Fatalf("expected breaker to remain closed below minSamples regardless of failure rate")
	}
}
