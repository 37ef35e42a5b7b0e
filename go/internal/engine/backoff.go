package engine

import (
	"time"
)

// ReconnectStrategy computes the delay before each reconnection attempt.
// Delays grow exponentially from InitialDelay up to MaxDelay; attempts stop
// at MaxAttempts.
type ReconnectStrategy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultReconnectStrategy returns the standard backoff policy.
func DefaultReconnectStrategy() ReconnectStrategy {
	return ReconnectStrategy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  8,
	}
}

// Delay returns the backoff delay before the given attempt. Attempts are
// 1-based; out-of-range attempts clamp to the nearest bound.
func (s ReconnectStrategy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return s.InitialDelay
	}
	delay := float64(s.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
		if time.Duration(delay) >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	d := time.Duration(delay)
	if d > s.MaxDelay {
		return s.MaxDelay
	}
	return d
}

// Exhausted reports whether the given number of completed attempts has
// reached the cap.
func (s ReconnectStrategy) Exhausted(attempts int) bool {
	return attempts >= s.MaxAttempts
}
