package decision

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/arbiterhq/arbiter/internal/critic"
)

// RetryPolicy holds configuration for retry logic.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns sensible default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     16 * time.Second,
		Multiplier:     2.0,
	}
}

// ExponentialBackoff calculates wait time with jitter.
// Formula: min(initial * multiplier^attempt, maxBackoff) ± 25% jitter
func ExponentialBackoff(attempt int, policy RetryPolicy) time.Duration {
	backoff := float64(policy.InitialBackoff) * math.Pow(policy.Multiplier, float64(attempt))

	if backoff > float64(policy.MaxBackoff) {
		backoff = float64(policy.MaxBackoff)
	}

	jitterRange := 0.25 * backoff
	jitter := (rand.Float64() * 2 * jitterRange) - jitterRange
	result := backoff + jitter

	if result > float64(policy.MaxBackoff) {
		result = float64(policy.MaxBackoff)
	}
	if result < 0 {
		result = 0
	}

	return time.Duration(result)
}

// ShouldRetry determines if an error is retryable. Only classified transient
// critic failures (timeout, rate-limit, unavailable) qualify; validation and
// auth failures never do.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	var criticErr *critic.Error
	if errors.As(err, &criticErr) {
		return criticErr.IsRetryable()
	}

	return false
}
