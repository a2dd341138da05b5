// Package config provides sync-policy configuration for the sync engine.
// Values come from environment variables with validated defaults; every
// tuning knob of the reliability layer lives here so that policy changes
// never require code changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/keepintouch/syncengine/models"
)

// Policy holds every tunable of the reliability layer.
type Policy struct {
	// Circuit breaker.
	BreakerThreshold   int           // consecutive failures before tripping
	BreakerOpenTimeout time.Duration // initial cooldown after a trip
	BreakerMaxTimeout  time.Duration // cap for the doubling cooldown

	// Polling frequencies per integration type.
	Frequencies map[models.IntegrationType]FrequencyBounds

	// Onboarding fast-polling window after first connection.
	OnboardingFrequency time.Duration
	OnboardingWindow    time.Duration

	// Coarse polling rate while a webhook subscription is healthy.
	WebhookFallbackInterval time.Duration

	// Failure backoff for scheduled syncs: base doubles per consecutive
	// failure up to the max interval of the integration.
	FailureBackoffBase time.Duration

	// Manual sync rate limiting.
	ManualSyncInterval time.Duration

	// Idempotency cache.
	IdempotencyTTL time.Duration

	// Webhook subscription maintenance.
	SubscriptionRenewalCutoff time.Duration
	LivenessThreshold         time.Duration
	FailureRateThreshold      float64
	FailureRateWindow         time.Duration

	// Token refresh.
	TokenRefreshCutoff time.Duration

	// Operator report: pairs with no success inside this window are stale.
	StaleWindow time.Duration
}

// FrequencyBounds clamp the adaptive scheduler for one integration type.
type FrequencyBounds struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

const (
	defaultBreakerThreshold   = 3
	defaultBreakerOpenTimeout = 5 * time.Minute
	defaultBreakerMaxTimeout  = 4 * time.Hour

	defaultOnboardingFrequency = time.Hour
	defaultOnboardingWindow    = 24 * time.Hour
	defaultWebhookFallback     = 12 * time.Hour
	defaultFailureBackoffBase  = 30 * time.Minute
	defaultManualSyncInterval  = time.Minute
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultRenewalCutoff       = 24 * time.Hour
	defaultLivenessThreshold   = 48 * time.Hour
	defaultFailureRateLimit    = 0.05
	defaultFailureRateWindow   = 24 * time.Hour
	defaultTokenRefreshCutoff  = time.Hour
	defaultStaleWindow         = 7 * 24 * time.Hour
)

// NewPolicy builds a Policy from environment variables, falling back to
// defaults. Returns an error on unparseable or out-of-range values rather
// than silently correcting them.
func NewPolicy() (*Policy, error) {
	p := &Policy{
		Frequencies: map[models.IntegrationType]FrequencyBounds{
			models.IntegrationContacts: {
				Default: 7 * 24 * time.Hour,
				Min:     24 * time.Hour,
				Max:     30 * 24 * time.Hour,
			},
			models.IntegrationCalendar: {
				Default: 24 * time.Hour,
				Min:     time.Hour,
				Max:     7 * 24 * time.Hour,
			},
		},
	}

	var err error

	if p.BreakerThreshold, err = getEnvInt("SYNC_BREAKER_THRESHOLD", defaultBreakerThreshold); err != nil {
		return nil, err
	}

	if p.BreakerThreshold < 1 {
		return nil, fmt.Errorf("breaker threshold must be at least 1, got %d", p.BreakerThreshold)
	}

	if p.BreakerOpenTimeout, err = getEnvDuration("SYNC_BREAKER_OPEN_TIMEOUT", defaultBreakerOpenTimeout); err != nil {
		return nil, err
	}

	if p.BreakerMaxTimeout, err = getEnvDuration("SYNC_BREAKER_MAX_TIMEOUT", defaultBreakerMaxTimeout); err != nil {
		return nil, err
	}

	if p.BreakerMaxTimeout < p.BreakerOpenTimeout {
		return nil, fmt.Errorf("breaker max timeout %v below open timeout %v", p.BreakerMaxTimeout, p.BreakerOpenTimeout)
	}

	if p.OnboardingFrequency, err = getEnvDuration("SYNC_ONBOARDING_FREQUENCY", defaultOnboardingFrequency); err != nil {
		return nil, err
	}

	if p.OnboardingWindow, err = getEnvDuration("SYNC_ONBOARDING_WINDOW", defaultOnboardingWindow); err != nil {
		return nil, err
	}

	if p.WebhookFallbackInterval, err = getEnvDuration("SYNC_WEBHOOK_FALLBACK_INTERVAL", defaultWebhookFallback); err != nil {
		return nil, err
	}

	if p.FailureBackoffBase, err = getEnvDuration("SYNC_FAILURE_BACKOFF_BASE", defaultFailureBackoffBase); err != nil {
		return nil, err
	}

	if p.ManualSyncInterval, err = getEnvDuration("SYNC_MANUAL_INTERVAL", defaultManualSyncInterval); err != nil {
		return nil, err
	}

	if p.IdempotencyTTL, err = getEnvDuration("SYNC_IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return nil, err
	}

	if p.SubscriptionRenewalCutoff, err = getEnvDuration("SYNC_SUBSCRIPTION_RENEWAL_CUTOFF", defaultRenewalCutoff); err != nil {
		return nil, err
	}

	if p.LivenessThreshold, err = getEnvDuration("SYNC_SUBSCRIPTION_LIVENESS_THRESHOLD", defaultLivenessThreshold); err != nil {
		return nil, err
	}

	if p.FailureRateThreshold, err = getEnvFloat("SYNC_NOTIFICATION_FAILURE_RATE", defaultFailureRateLimit); err != nil {
		return nil, err
	}

	if p.FailureRateThreshold <= 0 || p.FailureRateThreshold >= 1 {
		return nil, fmt.Errorf("notification failure rate must be in (0,1), got %f", p.FailureRateThreshold)
	}

	if p.FailureRateWindow, err = getEnvDuration("SYNC_NOTIFICATION_FAILURE_WINDOW", defaultFailureRateWindow); err != nil {
		return nil, err
	}

	if p.TokenRefreshCutoff, err = getEnvDuration("SYNC_TOKEN_REFRESH_CUTOFF", defaultTokenRefreshCutoff); err != nil {
		return nil, err
	}

	if p.StaleWindow, err = getEnvDuration("SYNC_STALE_WINDOW", defaultStaleWindow); err != nil {
		return nil, err
	}

	return p, nil
}

// Bounds returns the frequency bounds for an integration type, falling back
// to the contacts bounds for unknown types so a bad row never panics a
// driver pass.
func (p *Policy) Bounds(integration models.IntegrationType) FrequencyBounds {
	if b, ok := p.Frequencies[integration]; ok {
		return b
	}

	return p.Frequencies[models.IntegrationContacts]
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return n, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return f, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}

	return d, nil
}
