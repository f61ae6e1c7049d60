// Package retry defines the backoff policy used when a transfer task fails.
// The queue applies it through deferred re-scheduling; no resource is held
// during the delay window.
package retry

import (
	"math"
	"time"
)

// Policy defines retry behavior for failed tasks
type Policy struct {
	Enabled    bool
	MaxRetries int
	Delay      time.Duration // delay before the first retry
	Multiplier float64       // backoff multiplier per retry
	MaxDelay   time.Duration // cap on any single delay
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		Enabled:    true,
		MaxRetries: 3,
		Delay:      2 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   60 * time.Second,
	}
}

// DelayFor returns the backoff delay before the given retry attempt
// (1-based): Delay × Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	wait := float64(p.Delay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && wait > float64(p.MaxDelay) {
		wait = float64(p.MaxDelay)
	}
	return time.Duration(wait)
}
