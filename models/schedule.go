package models

import "time"

// SyncSchedule is the polling plan for a (user, integration) pair. Mutated
// only by scheduled syncs; manual syncs never touch it.
type SyncSchedule struct {
	UserID              string          `json:"user_id"`
	IntegrationType     IntegrationType `json:"integration_type"`
	CurrentFrequency    time.Duration   `json:"current_frequency"`
	ConsecutiveNoChange int             `json:"consecutive_no_change"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	NextSyncAt          time.Time       `json:"next_sync_at"`
	OnboardingUntil     *time.Time      `json:"onboarding_until,omitempty"`
	LastSuccessAt       *time.Time      `json:"last_success_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// InOnboarding reports whether the onboarding fast-polling window still
// applies at the given time.
func (s *SyncSchedule) InOnboarding(now time.Time) bool {
	return s.OnboardingUntil != nil && now.Before(*s.OnboardingUntil)
}
