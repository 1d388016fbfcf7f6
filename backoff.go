package eventflow

import "time"

// Backoff defaults shared by the outbox retry scheduler and any
// consumer-side delay logic. Keeping one policy in one place means producers
// and consumers back off at the same rate.
const (
	// DefaultBackoffBase is the delay before the first re-admission.
	DefaultBackoffBase = time.Minute

	// DefaultBackoffCap bounds the exponential growth.
	DefaultBackoffCap = time.Hour
)

// Backoff returns the delay to wait before retry attempt 'attempt'
// (1-based): base doubling per attempt, capped at cap.
//
//	Backoff(1, time.Minute, time.Hour) == 1m
//	Backoff(2, time.Minute, time.Hour) == 2m
//	Backoff(3, time.Minute, time.Hour) == 4m
//	Backoff(9, time.Minute, time.Hour) == 1h (capped)
//
// attempt values below 1 are treated as 1. A zero base or cap falls back to
// the package defaults.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
