// Package resilience ports the SwarmGuard core resilience primitives
// (generic retry with jitter, adaptive circuit breaker) into the
// orchestrator's retry handler and worker pool supervisor.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// BackoffPolicy computes the exponential-backoff-with-jitter delay sequence
// spec.md §4.7 describes: delay_n = min(maxBackoffMs, initialBackoffMs * multiplier^(n-1)),
// optionally scaled by uniform jitter in [0.5, 1.0].
type BackoffPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

// Delay returns the backoff delay before attempt n (1-indexed).
func (p BackoffPolicy) Delay(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	raw := float64(p.InitialBackoff) * math.Pow(mult, float64(n-1))
	if max := float64(p.MaxBackoff); max > 0 && raw > max {
		raw = max
	}
	delay := time.Duration(raw)
	if p.Jitter {
		factor := 0.5 + rand.Float64()*0.5 // uniform in [0.5, 1.0]
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < p.InitialBackoff && !p.Jitter {
		delay = p.InitialBackoff
	}
	return delay
}

// Retry executes fn with exponential backoff and full jitter, reporting
// attempt/success/failure counts on the default meter. Generalized from
// libs/go/core/resilience.Retry for arbitrary result types.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("agent-orchestrator")
	attemptCounter, _ := meter.Int64Counter("orchestrator_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("orchestrator_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("orchestrator_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
