package models

import "time"

// WebhookSubscription is a provider-side push-notification registration for a
// user. Renewed in place before expiry; deleted on disconnect or permanent
// registration failure.
type WebhookSubscription struct {
	UserID             string     `json:"user_id"`
	ChannelID          string     `json:"channel_id"`
	ResourceID         string     `json:"resource_id"`
	ExpiresAt          time.Time  `json:"expires_at"`
	VerificationToken  string     `json:"-"`
	LastNotificationAt *time.Time `json:"last_notification_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// NotificationRecord is one logged inbound push notification. Append-only;
// used for liveness and failure-rate accounting.
type NotificationRecord struct {
	ChannelID     string    `json:"channel_id"`
	ResourceState string    `json:"resource_state"`
	OK            bool      `json:"ok"`
	Detail        string    `json:"detail,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Resource states sent by the provider on the notification channel. A "sync"
// message simply confirms the channel; only "exists" style changes trigger a
// sync.
const (
	ResourceStateSync   = "sync"
	ResourceStateExists = "exists"
)
