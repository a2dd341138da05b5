// Package scheduler decides when each (user, integration) pair is next
// polled. Frequencies adapt to observed change history; failures feed an
// exponential backoff path independent of the no-change relaxation path.
package scheduler

import "time"

// Backoff returns the delay before retry number attempt (1-based). The delay
// doubles per attempt from base and never exceeds max, so the sequence is
// non-decreasing until a success resets the attempt count.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}

	if delay > max {
		return max
	}

	return delay
}

// Relax lengthens a polling interval after a no-change sync by doubling it,
// clamped to max. Used by the adaptive path only; the onboarding and
// webhook-fallback paths pin the frequency instead.
func Relax(current, max time.Duration) time.Duration {
	relaxed := current * 2
	if relaxed > max {
		return max
	}

	return relaxed
}

// Clamp bounds a frequency to [min, max].
func Clamp(freq, min, max time.Duration) time.Duration {
	if freq < min {
		return min
	}

	if freq > max {
		return max
	}

	return freq
}
