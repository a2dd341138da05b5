package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keepintouch/syncengine/models"
	"github.com/keepintouch/syncengine/postgres"
	"go.uber.org/zap"
)

// Repository is the persistence surface the manager needs. Implemented by
// postgres.BreakerRepository.
type Repository interface {
	GetOrCreate(ctx context.Context, key models.PairKey, now time.Time) (models.CircuitBreakerState, error)
	Get(ctx context.Context, key models.PairKey) (models.CircuitBreakerState, error)
	CompareAndSwap(ctx context.Context, prev, next *models.CircuitBreakerState) error
	AppendTransition(ctx context.Context, tr *models.BreakerTransition) error
}

// Manager gates sync attempts behind the breaker state machine. All state
// lives in the repository; concurrent attempts for the same pair are
// serialized by compare-and-set, not by in-process locks.
type Manager struct {
	repo   Repository
	policy Policy
	logger *zap.Logger
	nowFn  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		m.nowFn = fn
	}
}

func NewManager(repo Repository, policy Policy, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		policy: policy,
		logger: logger,
		nowFn:  time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// CanExecute reports whether a non-manual sync attempt may proceed. When an
// open breaker's cooldown has elapsed it atomically moves to half_open and
// admits exactly one probe; concurrent callers lose the compare-and-set and
// are denied. The returned snapshot must be passed to RecordSuccess or
// RecordFailure so the outcome is applied to the state the gate saw.
func (m *Manager) CanExecute(ctx context.Context, key models.PairKey) (bool, models.CircuitBreakerState, error) {
	now := m.nowFn()

	cur, err := m.repo.GetOrCreate(ctx, key, now)
	if err != nil {
		return false, models.CircuitBreakerState{}, fmt.Errorf("breaker lookup: %w", err)
	}

	next, allowed := Probe(cur, now)
	if !allowed {
		return false, cur, nil
	}

	if next == cur {
		return true, cur, nil
	}

	if err := m.persistTransition(ctx, cur, next); err != nil {
		if errors.Is(err, postgres.ErrStaleState) {
			// Another caller won the probe slot.
			return false, cur, nil
		}

		return false, cur, err
	}

	m.logger.Info("breaker probe admitted",
		zap.String("pair", key.String()),
		zap.String("state", string(next.State)))

	return true, next, nil
}

// RecordSuccess applies a successful attempt outcome against the snapshot
// the attempt was gated with. A lost compare-and-set means the outcome was
// already recorded (or superseded) and is treated as a no-op, which makes
// double-invocation for the same attempt harmless.
func (m *Manager) RecordSuccess(ctx context.Context, snapshot models.CircuitBreakerState) error {
	return m.record(ctx, snapshot, EventSuccess)
}

// RecordFailure applies a failed attempt outcome. Same idempotency semantics
// as RecordSuccess.
func (m *Manager) RecordFailure(ctx context.Context, snapshot models.CircuitBreakerState) error {
	return m.record(ctx, snapshot, EventFailure)
}

// GetState returns the current breaker row, creating a closed one for a new
// pair.
func (m *Manager) GetState(ctx context.Context, key models.PairKey) (models.CircuitBreakerState, error) {
	return m.repo.GetOrCreate(ctx, key, m.nowFn())
}

func (m *Manager) record(ctx context.Context, snapshot models.CircuitBreakerState, ev Event) error {
	now := m.nowFn()

	next := Apply(snapshot, ev, now, m.policy)
	if next == snapshot {
		return nil
	}

	if err := m.persistTransition(ctx, snapshot, next); err != nil {
		if errors.Is(err, postgres.ErrStaleState) {
			m.logger.Debug("breaker outcome already recorded",
				zap.String("user_id", snapshot.UserID),
				zap.String("integration", string(snapshot.IntegrationType)))

			return nil
		}

		return err
	}

	if next.State != snapshot.State {
		m.logger.Warn("breaker state changed",
			zap.String("user_id", snapshot.UserID),
			zap.String("integration", string(snapshot.IntegrationType)),
			zap.String("old_state", string(snapshot.State)),
			zap.String("new_state", string(next.State)),
			zap.Int("consecutive_failures", next.ConsecutiveFailures))
	}

	return nil
}

func (m *Manager) persistTransition(ctx context.Context, prev, next models.CircuitBreakerState) error {
	if err := m.repo.CompareAndSwap(ctx, &prev, &next); err != nil {
		return err
	}

	if next.State == prev.State {
		return nil
	}

	tr := models.BreakerTransition{
		UserID:          next.UserID,
		IntegrationType: next.IntegrationType,
		OldState:        prev.State,
		NewState:        next.State,
		OccurredAt:      next.UpdatedAt,
	}

	if err := m.repo.AppendTransition(ctx, &tr); err != nil {
		// The audit trail is observability, not correctness; a failed append
		// must not fail the attempt.
		m.logger.Error("failed to append breaker transition", zap.Error(err))
	}

	return nil
}
