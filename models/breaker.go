package models

import "time"

// BreakerState is the circuit breaker position for one (user, integration)
// pair.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the persisted breaker row. Created closed on first
// connection. Invariant: State == open exactly when NextRetryAt is set and in
// the future; open never returns to closed without passing through half_open.
type CircuitBreakerState struct {
	UserID              string          `json:"user_id"`
	IntegrationType     IntegrationType `json:"integration_type"`
	State               BreakerState    `json:"state"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	// OpenTimeout is the cooldown applied on the most recent trip. It doubles
	// on every half_open failure, up to a configured cap.
	OpenTimeout time.Duration `json:"open_timeout"`
	OpenedAt    *time.Time    `json:"opened_at,omitempty"`
	NextRetryAt *time.Time    `json:"next_retry_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// BreakerTransition is one audit-trail entry. Append-only.
type BreakerTransition struct {
	UserID          string          `json:"user_id"`
	IntegrationType IntegrationType `json:"integration_type"`
	OldState        BreakerState    `json:"old_state"`
	NewState        BreakerState    `json:"new_state"`
	OccurredAt      time.Time       `json:"occurred_at"`
}
