package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass categorizes provider failures. Classification is the
// collaborator's responsibility; this layer only branches on it.
type ErrorClass string

const (
	// ErrorClassAuth means the credential is invalid or expired. Not retried;
	// the user must re-authenticate.
	ErrorClassAuth ErrorClass = "auth"
	// ErrorClassTransient covers timeouts, 5xx and provider rate limits.
	// Retried via backoff and counted toward the circuit breaker.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassPermanent covers malformed input and unsupported resources.
	// Surfaced as a non-retryable failure.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ProviderError wraps a provider failure with its class.
type ProviderError struct {
	Class ErrorClass
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %v", e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ClassifyError extracts the error class, defaulting unclassified errors to
// transient so they flow into backoff rather than being dropped.
func ClassifyError(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}

	return ErrorClassTransient
}

// SyncOutcome is what one provider sync attempt reports back.
type SyncOutcome struct {
	Changed   bool `json:"changed"`
	ItemCount int  `json:"item_count"`
}

// SyncClient performs one sync attempt against the provider. Supplied by the
// data-fetch layer; this package never talks to the provider directly.
type SyncClient interface {
	AttemptSync(ctx context.Context, userID string, integration IntegrationType) (SyncOutcome, error)
}

// OAuthClient exposes the collaborator's credential operations.
type OAuthClient interface {
	CheckTokenValidity(ctx context.Context, userID string, integration IntegrationType) (expiresAt time.Time, err error)
	RefreshToken(ctx context.Context, userID string, integration IntegrationType) (expiresAt time.Time, err error)
}

// WatchResult is the provider's answer to a push-notification registration.
type WatchResult struct {
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// WatchClient models the provider's push-notification registration API.
type WatchClient interface {
	Watch(ctx context.Context, userID, channelID, verificationToken string) (WatchResult, error)
	Stop(ctx context.Context, channelID, resourceID string) error
}
