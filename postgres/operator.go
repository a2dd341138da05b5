package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/keepintouch/syncengine/models"
)

// OperatorStore bundles the read paths the operator interface needs over one
// connection pool.
type OperatorStore struct {
	tokens        *TokenHealthRepository
	breakers      *BreakerRepository
	schedules     *ScheduleRepository
	subscriptions *SubscriptionRepository
	metrics       *MetricsRepository
}

func NewOperatorStore(db *sql.DB) *OperatorStore {
	return &OperatorStore{
		tokens:        NewTokenHealthRepository(db),
		breakers:      NewBreakerRepository(db),
		schedules:     NewScheduleRepository(db),
		subscriptions: NewSubscriptionRepository(db),
		metrics:       NewMetricsRepository(db),
	}
}

func (s *OperatorStore) TokenHealthByUser(ctx context.Context, userID string) ([]models.TokenHealth, error) {
	return s.tokens.ListByUser(ctx, userID)
}

func (s *OperatorStore) BreakersByUser(ctx context.Context, userID string) ([]models.CircuitBreakerState, error) {
	return s.breakers.ListByUser(ctx, userID)
}

func (s *OperatorStore) SchedulesByUser(ctx context.Context, userID string) ([]models.SyncSchedule, error) {
	return s.schedules.ListByUser(ctx, userID)
}

func (s *OperatorStore) SubscriptionByUser(ctx context.Context, userID string) (models.WebhookSubscription, error) {
	return s.subscriptions.GetByUser(ctx, userID)
}

func (s *OperatorStore) MetricsSummary(ctx context.Context, integration models.IntegrationType, window time.Duration, now time.Time) (models.MetricsSummary, error) {
	return s.metrics.Summary(ctx, integration, window, now)
}

func (s *OperatorStore) StaleSchedules(ctx context.Context, cutoff time.Time) ([]models.SyncSchedule, error) {
	return s.schedules.ListStale(ctx, cutoff)
}
