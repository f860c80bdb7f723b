package monitor

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// SleepFunc pauses between attempts. It returns early with the context
// error when ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy computes attempts and pauses for failed deliveries
type RetryPolicy struct {
	config *RetryConfig
	jitter float64
}

// NewRetryPolicy creates a retry policy. jitter is the relative random
// variation applied to each pause, 0 disables it.
func NewRetryPolicy(config *RetryConfig, jitter float64) *RetryPolicy {
	return &RetryPolicy{
		config: config,
		jitter: jitter,
	}
}

// Attempts returns the total number of attempts per delivery
func (rp *RetryPolicy) Attempts() int {
	if rp.config.Times < 1 {
		return 1
	}
	return rp.config.Times
}

// Backoff returns the pause after the given failed attempt, 1-based
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := rp.config.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	backoff := float64(rp.config.Sleep) * math.Pow(multiplier, float64(attempt-1))

	if rp.jitter > 0 {
		backoff += backoff * rp.jitter * (2*rand.Float64() - 1)
	}

	duration := time.Duration(backoff)

	// Cap at maximum backoff
	if rp.config.MaxSleep > 0 && duration > rp.config.MaxSleep {
		duration = rp.config.MaxSleep
	}
	if duration < 0 {
		duration = 0
	}

	return duration
}

// JobBackoff is the queue re-delivery delay, the pause rounded up to whole
// seconds
func (rp *RetryPolicy) JobBackoff(attempt int) time.Duration {
	d := rp.Backoff(attempt)
	if d <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
