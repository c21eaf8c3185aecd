package orchestrator

import "time"

// BackoffPolicy is a capped exponential schedule: base * 2^attempts, never
// more than max.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff waits 1s * 2^attempts, capped at 60s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 60 * time.Second}
}

// Delay returns the wait before the next attempt given attempts made so far.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	factor := int64(1)
	if attempts > 0 {
		if attempts > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << attempts
		}
	}
	delay := time.Duration(int64(p.Base) * factor)
	if delay > p.Max || delay <= 0 {
		delay = p.Max
	}
	return delay
}
