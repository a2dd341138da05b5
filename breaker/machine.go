// Package breaker implements the per-(user, integration) failure-isolation
// state machine. The transition logic is a pure function over the persisted
// row so it can be unit tested without a database; the Manager layers
// compare-and-set persistence and the audit trail on top.
package breaker

import (
	"time"

	"github.com/keepintouch/syncengine/models"
)

// Event is an attempt outcome fed into the state machine.
type Event int

const (
	EventSuccess Event = iota
	EventFailure
)

// Policy holds the machine's tunables.
type Policy struct {
	// Threshold is the number of consecutive failures that trips a closed
	// breaker.
	Threshold int
	// OpenTimeout is the cooldown applied on the first trip.
	OpenTimeout time.Duration
	// MaxTimeout caps the doubling cooldown on repeated half_open failures.
	MaxTimeout time.Duration
}

// Apply computes the successor state for an attempt outcome. It never
// mutates its input. A success or failure recorded while the breaker is open
// leaves the row untouched: only the half_open probe outcome decides whether
// an open breaker closes or re-trips.
func Apply(cur models.CircuitBreakerState, ev Event, now time.Time, p Policy) models.CircuitBreakerState {
	next := cur
	next.UpdatedAt = now

	switch cur.State {
	case models.BreakerClosed:
		if ev == EventSuccess {
			next.ConsecutiveFailures = 0
			return next
		}

		next.ConsecutiveFailures = cur.ConsecutiveFailures + 1
		if next.ConsecutiveFailures >= p.Threshold {
			return trip(next, now, p.OpenTimeout, p)
		}

		return next

	case models.BreakerHalfOpen:
		if ev == EventSuccess {
			next.State = models.BreakerClosed
			next.ConsecutiveFailures = 0
			next.OpenTimeout = 0
			next.OpenedAt = nil
			next.NextRetryAt = nil

			return next
		}

		// A failed probe re-trips with a doubled cooldown.
		timeout := cur.OpenTimeout * 2
		if timeout <= 0 {
			timeout = p.OpenTimeout
		}

		return trip(next, now, timeout, p)

	case models.BreakerOpen:
		// Manual syncs bypass the gate but still record outcomes; those
		// outcomes must not move an open breaker.
		return cur

	default:
		return cur
	}
}

// Probe computes the open -> half_open transition when the cooldown has
// elapsed. The boolean reports whether an attempt is allowed under the
// returned state.
func Probe(cur models.CircuitBreakerState, now time.Time) (models.CircuitBreakerState, bool) {
	switch cur.State {
	case models.BreakerClosed:
		return cur, true
	case models.BreakerHalfOpen:
		// A probe is already in flight; exactly one is permitted. If its
		// outcome never arrived within a full cooldown the prober is
		// presumed dead and a replacement is admitted.
		if cur.OpenTimeout > 0 && !now.Before(cur.UpdatedAt.Add(cur.OpenTimeout)) {
			next := cur
			next.UpdatedAt = now

			return next, true
		}

		return cur, false
	case models.BreakerOpen:
		if cur.NextRetryAt == nil || now.Before(*cur.NextRetryAt) {
			return cur, false
		}

		next := cur
		next.State = models.BreakerHalfOpen
		next.UpdatedAt = now

		return next, true
	default:
		return cur, false
	}
}

func trip(next models.CircuitBreakerState, now time.Time, timeout time.Duration, p Policy) models.CircuitBreakerState {
	if timeout > p.MaxTimeout {
		timeout = p.MaxTimeout
	}

	retryAt := now.Add(timeout)

	next.State = models.BreakerOpen
	next.OpenTimeout = timeout
	next.OpenedAt = &now
	next.NextRetryAt = &retryAt

	return next
}
