// Package webhook keeps a provider push-notification channel alive per user
// and reacts to inbound notifications with immediate syncs. Registration
// failure degrades gracefully: polling keeps working at its adaptive rate.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keepintouch/syncengine/config"
	"github.com/keepintouch/syncengine/models"
	"github.com/keepintouch/syncengine/postgres"
	"github.com/keepintouch/syncengine/scheduler"
	"go.uber.org/zap"
)

const (
	registerAttempts    = 3
	registerBackoffBase = 2 * time.Second
)

var (
	// ErrUnknownChannel is returned for notifications that match no stored
	// subscription.
	ErrUnknownChannel = errors.New("unknown notification channel")
	// ErrResourceMismatch is returned when a notification's resource does
	// not match the registered subscription.
	ErrResourceMismatch = errors.New("notification resource mismatch")
)

// Repository is the subscription persistence surface. Implemented by
// postgres.SubscriptionRepository.
type Repository interface {
	Upsert(ctx context.Context, sub *models.WebhookSubscription) error
	GetByUser(ctx context.Context, userID string) (models.WebhookSubscription, error)
	GetByChannel(ctx context.Context, channelID string) (models.WebhookSubscription, error)
	ListExpiring(ctx context.Context, cutoff time.Time) ([]models.WebhookSubscription, error)
	ListActive(ctx context.Context) ([]models.WebhookSubscription, error)
	TouchNotification(ctx context.Context, channelID string, at time.Time) error
	Delete(ctx context.Context, userID string) error
	LogNotification(ctx context.Context, rec *models.NotificationRecord) error
	NotificationFailureRate(ctx context.Context, since time.Time) (float64, error)
}

// SchedulePinner is the scheduler surface the manager drives. Implemented by
// scheduler.Scheduler.
type SchedulePinner interface {
	AdoptWebhookFallback(ctx context.Context, userID string) error
	RestoreDefault(ctx context.Context, userID string) error
	ConnectedIntegrations(ctx context.Context, userID string) ([]models.IntegrationType, error)
}

// SyncTrigger starts an immediate out-of-band sync for a pair. Wired to the
// task queue so webhook syncs survive process restarts.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, key models.PairKey, syncType models.SyncType) error
}

// Manager implements the subscription lifecycle.
type Manager struct {
	repo    Repository
	watch   models.WatchClient
	pinner  SchedulePinner
	trigger SyncTrigger
	policy  *config.Policy
	logger  *zap.Logger
	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		m.nowFn = fn
	}
}

// WithSleep overrides the registration backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.sleepFn = fn
	}
}

func NewManager(repo Repository, watch models.WatchClient, pinner SchedulePinner, trigger SyncTrigger, policy *config.Policy, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		watch:   watch,
		pinner:  pinner,
		trigger: trigger,
		policy:  policy,
		logger:  logger,
		nowFn:   time.Now,
		sleepFn: sleepCtx,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// RegisterSubscription registers a push channel for a user, retrying up to
// three times with exponential backoff. On success the scheduler adopts the
// coarse fallback polling rate. On total failure the schedules are left
// untouched so polling continues at its adaptive frequency.
func (m *Manager) RegisterSubscription(ctx context.Context, userID string) (models.WebhookSubscription, error) {
	channelID := uuid.NewString()
	verificationToken := uuid.NewString()

	var (
		result models.WatchResult
		err    error
	)

	for attempt := 1; attempt <= registerAttempts; attempt++ {
		result, err = m.watch.Watch(ctx, userID, channelID, verificationToken)
		if err == nil {
			break
		}

		m.logger.Warn("watch registration failed",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == registerAttempts {
			return models.WebhookSubscription{}, fmt.Errorf("watch registration failed after %d attempts: %w", registerAttempts, err)
		}

		delay := scheduler.Backoff(attempt, registerBackoffBase, registerBackoffBase*4)
		if sleepErr := m.sleepFn(ctx, delay); sleepErr != nil {
			return models.WebhookSubscription{}, sleepErr
		}
	}

	sub := models.WebhookSubscription{
		UserID:            userID,
		ChannelID:         result.ChannelID,
		ResourceID:        result.ResourceID,
		ExpiresAt:         result.ExpiresAt,
		VerificationToken: verificationToken,
		CreatedAt:         m.nowFn(),
	}

	if err := m.repo.Upsert(ctx, &sub); err != nil {
		return models.WebhookSubscription{}, err
	}

	if err := m.pinner.AdoptWebhookFallback(ctx, userID); err != nil {
		m.logger.Error("failed to adopt webhook fallback frequency", zap.Error(err))
	}

	m.logger.Info("webhook subscription registered",
		zap.String("user_id", userID),
		zap.String("channel_id", sub.ChannelID),
		zap.Time("expires_at", sub.ExpiresAt))

	return sub, nil
}

// HandleNotification validates an inbound push notification and, for a real
// change, triggers an immediate webhook-tagged sync for every integration
// the user has connected. Every notification outcome is logged for health
// accounting.
func (m *Manager) HandleNotification(ctx context.Context, channelID, resourceID, resourceState string) error {
	now := m.nowFn()

	sub, err := m.repo.GetByChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			m.logNotification(ctx, channelID, resourceState, false, "unknown channel")

			return ErrUnknownChannel
		}

		return err
	}

	if sub.ResourceID != resourceID {
		m.logNotification(ctx, channelID, resourceState, false, "resource mismatch")

		return ErrResourceMismatch
	}

	if err := m.repo.TouchNotification(ctx, channelID, now); err != nil {
		m.logger.Warn("failed to touch subscription liveness", zap.Error(err))
	}

	// The provider sends a sync-type message to confirm the channel; no data
	// changed, nothing to do.
	if resourceState == models.ResourceStateSync {
		m.logNotification(ctx, channelID, resourceState, true, "channel confirmation")

		return nil
	}

	integrations, err := m.pinner.ConnectedIntegrations(ctx, sub.UserID)
	if err != nil {
		m.logNotification(ctx, channelID, resourceState, false, "schedule lookup failed")

		return err
	}

	var triggerErr error

	for _, integration := range integrations {
		key := models.PairKey{UserID: sub.UserID, IntegrationType: integration}

		if err := m.trigger.TriggerSync(ctx, key, models.SyncWebhook); err != nil {
			triggerErr = err

			m.logger.Error("failed to trigger webhook sync",
				zap.String("pair", key.String()),
				zap.Error(err))
		}
	}

	m.logNotification(ctx, channelID, resourceState, triggerErr == nil, "")

	return triggerErr
}

// RenewExpiring re-registers every subscription expiring within the cutoff,
// refreshing expires_at in place. One failed renewal does not stop the pass.
func (m *Manager) RenewExpiring(ctx context.Context, cutoff time.Duration) (int, error) {
	now := m.nowFn()

	expiring, err := m.repo.ListExpiring(ctx, now.Add(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}

	renewed := 0

	for i := range expiring {
		sub := expiring[i]

		if err := m.renew(ctx, &sub); err != nil {
			m.logger.Error("subscription renewal failed",
				zap.String("user_id", sub.UserID),
				zap.Error(err))

			continue
		}

		renewed++
	}

	m.logger.Info("subscription renewal pass complete",
		zap.Int("expiring", len(expiring)),
		zap.Int("renewed", renewed))

	return renewed, nil
}

// CheckHealth inspects every active subscription. A channel with no
// notification for longer than the liveness threshold is re-registered and
// raises an operator alert; a rolling notification failure rate above the
// configured threshold also alerts.
func (m *Manager) CheckHealth(ctx context.Context) error {
	now := m.nowFn()

	subs, err := m.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for i := range subs {
		sub := subs[i]

		lastSeen := sub.CreatedAt
		if sub.LastNotificationAt != nil {
			lastSeen = *sub.LastNotificationAt
		}

		if now.Sub(lastSeen) <= m.policy.LivenessThreshold {
			continue
		}

		m.logger.Error("webhook channel silent past liveness threshold",
			zap.String("user_id", sub.UserID),
			zap.String("channel_id", sub.ChannelID),
			zap.Time("last_seen", lastSeen))

		if err := m.renew(ctx, &sub); err != nil {
			m.logger.Error("re-registration of silent channel failed",
				zap.String("user_id", sub.UserID),
				zap.Error(err))
		}
	}

	rate, err := m.repo.NotificationFailureRate(ctx, now.Add(-m.policy.FailureRateWindow))
	if err != nil {
		return err
	}

	if rate > m.policy.FailureRateThreshold {
		m.logger.Error("notification failure rate above threshold",
			zap.Float64("rate", rate),
			zap.Float64("threshold", m.policy.FailureRateThreshold),
			zap.Duration("window", m.policy.FailureRateWindow))
	}

	return nil
}

// StopSubscription stops the provider channel, deletes the row and restores
// normal polling.
func (m *Manager) StopSubscription(ctx context.Context, userID string) error {
	sub, err := m.repo.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil
		}

		return err
	}

	if err := m.watch.Stop(ctx, sub.ChannelID, sub.ResourceID); err != nil {
		// The provider channel will lapse at expiry anyway; local cleanup
		// proceeds.
		m.logger.Warn("provider stop call failed",
			zap.String("channel_id", sub.ChannelID),
			zap.Error(err))
	}

	if err := m.repo.Delete(ctx, userID); err != nil {
		return err
	}

	if err := m.pinner.RestoreDefault(ctx, userID); err != nil {
		m.logger.Error("failed to restore polling frequency", zap.Error(err))
	}

	m.logger.Info("webhook subscription stopped", zap.String("user_id", userID))

	return nil
}

// HasActiveSubscription reports whether the user has an unexpired
// subscription. Satisfies the scheduler's SubscriptionChecker.
func (m *Manager) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	sub, err := m.repo.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	return sub.ExpiresAt.After(m.nowFn()), nil
}

func (m *Manager) renew(ctx context.Context, sub *models.WebhookSubscription) error {
	result, err := m.watch.Watch(ctx, sub.UserID, sub.ChannelID, sub.VerificationToken)
	if err != nil {
		return err
	}

	sub.ChannelID = result.ChannelID
	sub.ResourceID = result.ResourceID
	sub.ExpiresAt = result.ExpiresAt

	return m.repo.Upsert(ctx, sub)
}

func (m *Manager) logNotification(ctx context.Context, channelID, resourceState string, ok bool, detail string) {
	rec := models.NotificationRecord{
		ChannelID:     channelID,
		ResourceState: resourceState,
		OK:            ok,
		Detail:        detail,
		ReceivedAt:    m.nowFn(),
	}

	if err := m.repo.LogNotification(ctx, &rec); err != nil {
		m.logger.Warn("failed to log notification", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
