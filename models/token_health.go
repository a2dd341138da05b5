package models

import "time"

// TokenStatus describes the validity of a user's OAuth credentials for one
// integration.
type TokenStatus string

const (
	TokenValid        TokenStatus = "valid"
	TokenExpiringSoon TokenStatus = "expiring_soon"
	TokenInvalid      TokenStatus = "invalid"
)

// TokenHealth is the persisted credential state for a (user, integration)
// pair. Rows are created on first connection and removed only on explicit
// disconnect.
type TokenHealth struct {
	UserID          string          `json:"user_id"`
	IntegrationType IntegrationType `json:"integration_type"`
	Status          TokenStatus     `json:"status"`
	LastCheckedAt   time.Time       `json:"last_checked_at"`
	ExpiryAt        *time.Time      `json:"expiry_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
}

// Usable reports whether a sync attempt may proceed with these credentials.
// An expiring token is still usable; only invalid blocks.
func (t *TokenHealth) Usable() bool {
	return t.Status != TokenInvalid
}

// TokenHealthChanged is emitted whenever a token transitions between
// statuses. Consumed externally for user notification.
type TokenHealthChanged struct {
	UserID          string          `json:"user_id"`
	IntegrationType IntegrationType `json:"integration_type"`
	OldStatus       TokenStatus     `json:"old_status"`
	NewStatus       TokenStatus     `json:"new_status"`
	Reason          string          `json:"reason,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
}
