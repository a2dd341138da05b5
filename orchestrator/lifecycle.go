package orchestrator

import (
	"context"
	"time"

	"github.com/keepintouch/syncengine/models"
	"go.uber.org/zap"
)

// SubscriptionService is the webhook surface the lifecycle drives.
// Implemented by webhook.Manager.
type SubscriptionService interface {
	RegisterSubscription(ctx context.Context, userID string) (models.WebhookSubscription, error)
	StopSubscription(ctx context.Context, userID string) error
}

// ScheduleLifecycle is the scheduler surface for connect/disconnect.
// Implemented by scheduler.Scheduler.
type ScheduleLifecycle interface {
	Initialize(ctx context.Context, key models.PairKey, isFirstConnection bool) (models.SyncSchedule, error)
	Remove(ctx context.Context, key models.PairKey) error
}

// TokenLifecycle is the token surface for connect/disconnect. Implemented by
// tokenhealth.Monitor.
type TokenLifecycle interface {
	MarkReauthenticated(ctx context.Context, key models.PairKey, expiresAt time.Time) error
	Disconnect(ctx context.Context, key models.PairKey) error
}

// BreakerLifecycle clears breaker rows on disconnect. Implemented by
// postgres.BreakerRepository.
type BreakerLifecycle interface {
	Delete(ctx context.Context, key models.PairKey) error
}

// Lifecycle wires connection and disconnection across the reliability
// records. Webhook registration failure never fails a connection: polling
// works without it.
type Lifecycle struct {
	tokens        TokenLifecycle
	schedules     ScheduleLifecycle
	breakers      BreakerLifecycle
	subscriptions SubscriptionService
	trigger       func(ctx context.Context, key models.PairKey, syncType models.SyncType) error
	logger        *zap.Logger
}

func NewLifecycle(
	tokens TokenLifecycle,
	schedules ScheduleLifecycle,
	breakers BreakerLifecycle,
	subscriptions SubscriptionService,
	trigger func(ctx context.Context, key models.PairKey, syncType models.SyncType) error,
	logger *zap.Logger,
) *Lifecycle {
	return &Lifecycle{
		tokens:        tokens,
		schedules:     schedules,
		breakers:      breakers,
		subscriptions: subscriptions,
		trigger:       trigger,
		logger:        logger,
	}
}

// Connect records a (re-)authenticated integration: valid token health, a
// fresh schedule, and a webhook subscription attempt. A first connection
// schedules an immediate initial sync.
func (l *Lifecycle) Connect(ctx context.Context, key models.PairKey, tokenExpiresAt time.Time, isFirstConnection bool) error {
	if err := l.tokens.MarkReauthenticated(ctx, key, tokenExpiresAt); err != nil {
		return err
	}

	if _, err := l.schedules.Initialize(ctx, key, isFirstConnection); err != nil {
		return err
	}

	if _, err := l.subscriptions.RegisterSubscription(ctx, key.UserID); err != nil {
		// Graceful degradation: the schedule keeps its adaptive frequency
		// and polling carries the integration.
		l.logger.Warn("webhook registration failed, polling only",
			zap.String("user_id", key.UserID),
			zap.Error(err))
	}

	if isFirstConnection && l.trigger != nil {
		if err := l.trigger(ctx, key, models.SyncInitial); err != nil {
			l.logger.Error("failed to trigger initial sync",
				zap.String("pair", key.String()),
				zap.Error(err))
		}
	}

	return nil
}

// Disconnect clears every reliability record for the pair. When the user's
// last integration goes, the webhook subscription goes with it; stopping is
// harmless when other integrations remain since reconnection re-registers.
func (l *Lifecycle) Disconnect(ctx context.Context, key models.PairKey) error {
	if err := l.subscriptions.StopSubscription(ctx, key.UserID); err != nil {
		l.logger.Warn("failed to stop subscription on disconnect", zap.Error(err))
	}

	if err := l.schedules.Remove(ctx, key); err != nil {
		return err
	}

	if err := l.breakers.Delete(ctx, key); err != nil {
		return err
	}

	return l.tokens.Disconnect(ctx, key)
}
