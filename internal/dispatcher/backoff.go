package dispatcher

import "time"

// Backoff computes the delay before retrying a failed attempt
type Backoff interface {
	// NextRetry returns the delay after the given 1-based failed attempt
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements min(InitialDelay·Multiplier^(attempt-1), MaxDelay)
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff
func (b ExponentialBackoff) NextRetry(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := b.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	delay := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if b.MaxDelay > 0 && delay >= float64(b.MaxDelay) {
			return b.MaxDelay
		}
	}

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}
