package errors

import (
	"math/rand"
	"time"
)

// RetryConfig configures redelivery backoff for failed jobs.
type RetryConfig struct {
	// MaxAttempts is the number of deliveries before a job is dead-lettered
	// (the first delivery included).
	MaxAttempts int

	// InitialDelay is the delay before the first redelivery.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between deliveries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each failure.
	Multiplier float64

	// Jitter adds randomness to delay to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns sensible default redelivery configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay returns how long to wait before delivery number attempt+1, given that
// attempt deliveries (1-based) have already failed.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.Multiplier
		if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
			delay = float64(c.MaxDelay)
			break
		}
	}

	if c.Jitter {
		// delay * (0.5 + rand(0, 0.5))
		delay *= 0.5 + rand.Float64()*0.5
	}

	d := time.Duration(delay)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Exhausted reports whether a job that has failed attempt times should be dead-lettered.
func (c RetryConfig) Exhausted(attempt int) bool {
	return c.MaxAttempts > 0 && attempt >= c.MaxAttempts
}
