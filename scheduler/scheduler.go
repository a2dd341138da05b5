package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keepintouch/syncengine/config"
	"github.com/keepintouch/syncengine/models"
	"github.com/keepintouch/syncengine/postgres"
	"go.uber.org/zap"
)

// Repository is the schedule persistence surface. Implemented by
// postgres.ScheduleRepository.
type Repository interface {
	Get(ctx context.Context, key models.PairKey) (models.SyncSchedule, error)
	Upsert(ctx context.Context, s *models.SyncSchedule) error
	ListDue(ctx context.Context, integration models.IntegrationType, now time.Time) ([]string, error)
	ListByUser(ctx context.Context, userID string) ([]models.SyncSchedule, error)
	Delete(ctx context.Context, key models.PairKey) error
}

// SubscriptionChecker reports whether a user has a live push-notification
// subscription. Implemented by the webhook manager; while one exists the
// scheduler pins polling to the coarse fallback interval.
type SubscriptionChecker interface {
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
}

// Scheduler computes next-due times for polling. Manual syncs never pass
// through here; only scheduled (and initial) syncs mutate the schedule.
type Scheduler struct {
	repo   Repository
	subs   SubscriptionChecker
	policy *config.Policy
	logger *zap.Logger
	nowFn  func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) {
		s.nowFn = fn
	}
}

func New(repo Repository, subs SubscriptionChecker, policy *config.Policy, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:   repo,
		subs:   subs,
		policy: policy,
		logger: logger,
		nowFn:  time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SetSubscriptionChecker injects the checker after construction. The webhook
// manager and the scheduler reference each other, so one side is wired late.
func (s *Scheduler) SetSubscriptionChecker(subs SubscriptionChecker) {
	s.subs = subs
}

// Initialize creates the schedule row at connection time. A first connection
// gets the onboarding fast frequency for the onboarding window and an
// immediate first sync.
func (s *Scheduler) Initialize(ctx context.Context, key models.PairKey, isFirstConnection bool) (models.SyncSchedule, error) {
	now := s.nowFn()
	bounds := s.policy.Bounds(key.IntegrationType)

	sched := models.SyncSchedule{
		UserID:           key.UserID,
		IntegrationType:  key.IntegrationType,
		CurrentFrequency: bounds.Default,
		NextSyncAt:       now.Add(bounds.Default),
		UpdatedAt:        now,
	}

	if isFirstConnection {
		until := now.Add(s.policy.OnboardingWindow)
		sched.CurrentFrequency = s.policy.OnboardingFrequency
		sched.OnboardingUntil = &until
		sched.NextSyncAt = now
	}

	if err := s.repo.Upsert(ctx, &sched); err != nil {
		return models.SyncSchedule{}, fmt.Errorf("failed to initialize schedule: %w", err)
	}

	s.logger.Info("schedule initialized",
		zap.String("pair", key.String()),
		zap.Bool("first_connection", isFirstConnection),
		zap.Duration("frequency", sched.CurrentFrequency))

	return sched, nil
}

// CalculateNextSync reschedules a pair after a scheduled sync attempt.
// Precedence for the base interval: onboarding window, then active webhook
// subscription, then the adaptive no-change/change rules. A failed attempt
// additionally computes a backoff delay; the earlier of the two candidate
// times wins.
func (s *Scheduler) CalculateNextSync(ctx context.Context, key models.PairKey, success, changed bool) (models.SyncSchedule, error) {
	now := s.nowFn()

	sched, err := s.repo.Get(ctx, key)
	if err != nil {
		return models.SyncSchedule{}, fmt.Errorf("failed to load schedule: %w", err)
	}

	bounds := s.policy.Bounds(key.IntegrationType)

	if success {
		sched.ConsecutiveFailures = 0
		sched.LastSuccessAt = &now

		if changed {
			sched.ConsecutiveNoChange = 0
		} else {
			sched.ConsecutiveNoChange++
		}
	} else {
		sched.ConsecutiveFailures++
	}

	switch {
	case sched.InOnboarding(now):
		sched.CurrentFrequency = s.policy.OnboardingFrequency

	case s.hasSubscription(ctx, key.UserID):
		sched.CurrentFrequency = s.policy.WebhookFallbackInterval

	case success && changed:
		sched.CurrentFrequency = bounds.Default

	case success:
		sched.CurrentFrequency = Clamp(Relax(sched.CurrentFrequency, bounds.Max), bounds.Min, bounds.Max)
	}

	nextAt := now.Add(sched.CurrentFrequency)

	if !success {
		backoffAt := now.Add(Backoff(sched.ConsecutiveFailures, s.policy.FailureBackoffBase, bounds.Max))
		if backoffAt.Before(nextAt) {
			nextAt = backoffAt
		}
	}

	sched.NextSyncAt = nextAt
	sched.UpdatedAt = now

	if err := s.repo.Upsert(ctx, &sched); err != nil {
		return models.SyncSchedule{}, fmt.Errorf("failed to store schedule: %w", err)
	}

	return sched, nil
}

// GetUsersDueForSync returns user IDs whose schedule is due at the given
// time.
func (s *Scheduler) GetUsersDueForSync(ctx context.Context, integration models.IntegrationType, now time.Time) ([]string, error) {
	return s.repo.ListDue(ctx, integration, now)
}

// ConnectedIntegrations returns the integration types a user has schedule
// rows for. A schedule row exists exactly while the integration is
// connected.
func (s *Scheduler) ConnectedIntegrations(ctx context.Context, userID string) ([]models.IntegrationType, error) {
	schedules, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	ans := make([]models.IntegrationType, 0, len(schedules))
	for i := range schedules {
		ans = append(ans, schedules[i].IntegrationType)
	}

	return ans, nil
}

// AdoptWebhookFallback pins all of a user's schedules to the coarse fallback
// interval after a successful subscription registration. Onboarding windows
// keep their fast frequency. An already-sooner next sync is not delayed.
func (s *Scheduler) AdoptWebhookFallback(ctx context.Context, userID string) error {
	return s.repin(ctx, userID, func(sched *models.SyncSchedule, now time.Time) {
		sched.CurrentFrequency = s.policy.WebhookFallbackInterval
	})
}

// RestoreDefault returns a user's schedules to their per-integration default
// frequency after a subscription stops.
func (s *Scheduler) RestoreDefault(ctx context.Context, userID string) error {
	return s.repin(ctx, userID, func(sched *models.SyncSchedule, now time.Time) {
		sched.CurrentFrequency = s.policy.Bounds(sched.IntegrationType).Default
	})
}

// Remove deletes the schedule on disconnect.
func (s *Scheduler) Remove(ctx context.Context, key models.PairKey) error {
	if err := s.repo.Delete(ctx, key); err != nil && !errors.Is(err, postgres.ErrNotFound) {
		return err
	}

	return nil
}

func (s *Scheduler) repin(ctx context.Context, userID string, adjust func(*models.SyncSchedule, time.Time)) error {
	now := s.nowFn()

	schedules, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	for i := range schedules {
		sched := schedules[i]
		if sched.InOnboarding(now) {
			continue
		}

		adjust(&sched, now)

		candidate := now.Add(sched.CurrentFrequency)
		if candidate.Before(sched.NextSyncAt) {
			sched.NextSyncAt = candidate
		}

		sched.UpdatedAt = now

		if err := s.repo.Upsert(ctx, &sched); err != nil {
			return fmt.Errorf("failed to repin schedule: %w", err)
		}
	}

	return nil
}

func (s *Scheduler) hasSubscription(ctx context.Context, userID string) bool {
	if s.subs == nil {
		return false
	}

	active, err := s.subs.HasActiveSubscription(ctx, userID)
	if err != nil {
		s.logger.Warn("subscription lookup failed, assuming none", zap.Error(err))
		return false
	}

	return active
}
