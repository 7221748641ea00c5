package kafka

import "time"

const (
	maxAttempts = 5
	baseDelay   = 200 * time.Millisecond
	maxDelay    = 5 * time.Second
)

// backoffFor returns the exponential backoff before retry n (0-based):
// 200ms, 400ms, 800ms, 1600ms, 3200ms, capped at 5s.
func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		return baseDelay
	}
	if attempt > 30 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
