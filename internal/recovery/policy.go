package recovery

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
)

// DelayFor computes the backoff before attempt (1-based):
// min(max_delay, initial_delay * multiplier^(attempt-1)), perturbed by up to
// ±jitter_factor of itself when jitter is enabled.
func DelayFor(policy domain.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.JitterEnabled && policy.JitterFactor > 0 {
		delay += (rand.Float64()*2 - 1) * policy.JitterFactor * delay
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// sleepFor waits out the delay, returning early if ctx is cancelled.
func sleepFor(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
