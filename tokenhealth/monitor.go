// Package tokenhealth tracks OAuth credential validity per
// (user, integration) pair and gates every sync attempt. Only an auth-class
// failure or a failed refresh marks a credential invalid; an expired access
// token alone is expiring_soon, since the refresh token may still be good.
package tokenhealth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keepintouch/syncengine/models"
	"github.com/keepintouch/syncengine/postgres"
	"go.uber.org/zap"
)

// Repository is the token health persistence surface. Implemented by
// postgres.TokenHealthRepository.
type Repository interface {
	Get(ctx context.Context, key models.PairKey) (models.TokenHealth, error)
	Upsert(ctx context.Context, th *models.TokenHealth) error
	SetStatus(ctx context.Context, key models.PairKey, status models.TokenStatus, lastError string, now time.Time) (models.TokenStatus, error)
	ListRefreshCandidates(ctx context.Context, cutoff time.Time) ([]models.TokenHealth, error)
	Delete(ctx context.Context, key models.PairKey) error
}

// EventSink receives token_health_changed events. Consumed externally for
// user notification; a nil sink drops events.
type EventSink interface {
	TokenHealthChanged(ctx context.Context, ev models.TokenHealthChanged)
}

// Monitor implements the token health checks.
type Monitor struct {
	repo   Repository
	oauth  models.OAuthClient
	events EventSink
	logger *zap.Logger
	// expiryCutoff is how close to expiry a token counts as expiring_soon.
	expiryCutoff time.Duration
	nowFn        func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) {
		m.nowFn = fn
	}
}

func NewMonitor(repo Repository, oauth models.OAuthClient, events EventSink, expiryCutoff time.Duration, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		repo:         repo,
		oauth:        oauth,
		events:       events,
		logger:       logger,
		expiryCutoff: expiryCutoff,
		nowFn:        time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// CheckHealth performs a cheap validity check for a pair and persists the
// result. For a pair without a row yet it consults the collaborator's live
// validity check. Must run before any sync attempt.
func (m *Monitor) CheckHealth(ctx context.Context, key models.PairKey) (models.TokenHealth, error) {
	now := m.nowFn()

	th, err := m.repo.Get(ctx, key)
	if errors.Is(err, postgres.ErrNotFound) {
		return m.liveCheck(ctx, key, now)
	}

	if err != nil {
		return models.TokenHealth{}, fmt.Errorf("token health lookup: %w", err)
	}

	// Invalid sticks until explicit re-authentication.
	if th.Status == models.TokenInvalid {
		return th, nil
	}

	old := th.Status

	th.Status = models.TokenValid
	if th.ExpiryAt != nil && th.ExpiryAt.Before(now.Add(m.expiryCutoff)) {
		th.Status = models.TokenExpiringSoon
	}

	th.LastCheckedAt = now

	if err := m.repo.Upsert(ctx, &th); err != nil {
		return models.TokenHealth{}, fmt.Errorf("failed to persist token health: %w", err)
	}

	if old != th.Status {
		m.emit(ctx, key, old, th.Status, "")
	}

	return th, nil
}

// MarkInvalid is called by the collaborator on an auth-class failure during a
// sync attempt. Emits a token_health_changed event for user notification.
func (m *Monitor) MarkInvalid(ctx context.Context, key models.PairKey, cause error) error {
	now := m.nowFn()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	old, err := m.repo.SetStatus(ctx, key, models.TokenInvalid, reason, now)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			th := models.TokenHealth{
				UserID:          key.UserID,
				IntegrationType: key.IntegrationType,
				Status:          models.TokenInvalid,
				LastCheckedAt:   now,
				LastError:       reason,
			}

			if err := m.repo.Upsert(ctx, &th); err != nil {
				return fmt.Errorf("failed to mark token invalid: %w", err)
			}

			m.emit(ctx, key, models.TokenValid, models.TokenInvalid, reason)

			return nil
		}

		return fmt.Errorf("failed to mark token invalid: %w", err)
	}

	if old != models.TokenInvalid {
		m.emit(ctx, key, old, models.TokenInvalid, reason)
	}

	return nil
}

// MarkReauthenticated clears invalid back to valid after an external
// re-authentication, clearing any outstanding notification via the change
// event.
func (m *Monitor) MarkReauthenticated(ctx context.Context, key models.PairKey, expiresAt time.Time) error {
	now := m.nowFn()

	th := models.TokenHealth{
		UserID:          key.UserID,
		IntegrationType: key.IntegrationType,
		Status:          models.TokenValid,
		LastCheckedAt:   now,
		ExpiryAt:        &expiresAt,
	}

	if err := m.repo.Upsert(ctx, &th); err != nil {
		return fmt.Errorf("failed to clear token health: %w", err)
	}

	m.emit(ctx, key, models.TokenInvalid, models.TokenValid, "reauthenticated")

	return nil
}

// RefreshExpiring silently refreshes every token that is expiring_soon or
// whose expiry falls within the cutoff. Refresh failures are terminal for
// this cycle; the next pass retries them. Returns the number of successful
// refreshes.
func (m *Monitor) RefreshExpiring(ctx context.Context, cutoff time.Duration) (int, error) {
	now := m.nowFn()

	candidates, err := m.repo.ListRefreshCandidates(ctx, now.Add(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to list refresh candidates: %w", err)
	}

	refreshed := 0

	for i := range candidates {
		th := candidates[i]
		key := models.PairKey{UserID: th.UserID, IntegrationType: th.IntegrationType}

		expiresAt, err := m.oauth.RefreshToken(ctx, th.UserID, th.IntegrationType)
		if err != nil {
			m.logger.Warn("token refresh failed",
				zap.String("pair", key.String()),
				zap.Error(err))

			if markErr := m.MarkInvalid(ctx, key, err); markErr != nil {
				m.logger.Error("failed to record refresh failure", zap.Error(markErr))
			}

			continue
		}

		th.Status = models.TokenValid
		th.ExpiryAt = &expiresAt
		th.LastCheckedAt = now
		th.LastError = ""

		if err := m.repo.Upsert(ctx, &th); err != nil {
			m.logger.Error("failed to persist refreshed token", zap.Error(err))
			continue
		}

		refreshed++
	}

	m.logger.Info("token refresh pass complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("refreshed", refreshed))

	return refreshed, nil
}

// Disconnect removes the row. The only path that deletes token health.
func (m *Monitor) Disconnect(ctx context.Context, key models.PairKey) error {
	return m.repo.Delete(ctx, key)
}

func (m *Monitor) liveCheck(ctx context.Context, key models.PairKey, now time.Time) (models.TokenHealth, error) {
	th := models.TokenHealth{
		UserID:          key.UserID,
		IntegrationType: key.IntegrationType,
		LastCheckedAt:   now,
	}

	expiresAt, err := m.oauth.CheckTokenValidity(ctx, key.UserID, key.IntegrationType)
	if err != nil {
		th.Status = models.TokenInvalid
		th.LastError = err.Error()
	} else {
		th.Status = models.TokenValid
		th.ExpiryAt = &expiresAt

		if expiresAt.Before(now.Add(m.expiryCutoff)) {
			th.Status = models.TokenExpiringSoon
		}
	}

	if upsertErr := m.repo.Upsert(ctx, &th); upsertErr != nil {
		return models.TokenHealth{}, fmt.Errorf("failed to persist token health: %w", upsertErr)
	}

	return th, nil
}

func (m *Monitor) emit(ctx context.Context, key models.PairKey, old, newStatus models.TokenStatus, reason string) {
	if m.events == nil {
		return
	}

	m.events.TokenHealthChanged(ctx, models.TokenHealthChanged{
		UserID:          key.UserID,
		IntegrationType: key.IntegrationType,
		OldStatus:       old,
		NewStatus:       newStatus,
		Reason:          reason,
		OccurredAt:      m.nowFn(),
	})
}
