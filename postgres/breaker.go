package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keepintouch/syncengine/models"
)

// ErrStaleState is returned when a compare-and-set update loses a race with
// a concurrent writer for the same pair.
var ErrStaleState = errors.New("stale state")

// BreakerRepository persists circuit breaker rows and their transition audit
// trail.
type BreakerRepository struct {
	db *sql.DB
}

func NewBreakerRepository(db *sql.DB) *BreakerRepository {
	return &BreakerRepository{db: db}
}

// GetOrCreate returns the breaker row for a pair, creating a closed one on
// first use.
func (r *BreakerRepository) GetOrCreate(ctx context.Context, key models.PairKey, now time.Time) (models.CircuitBreakerState, error) {
	const insert = `INSERT INTO circuit_breakers (user_id, integration_type, state, consecutive_failures, open_timeout_seconds, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (user_id, integration_type) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, insert, key.UserID, key.IntegrationType, models.BreakerClosed, now); err != nil {
		return models.CircuitBreakerState{}, fmt.Errorf("failed to create breaker row: %w", err)
	}

	return r.Get(ctx, key)
}

// Get retrieves the breaker row for a pair.
func (r *BreakerRepository) Get(ctx context.Context, key models.PairKey) (models.CircuitBreakerState, error) {
	const q = `SELECT user_id, integration_type, state, consecutive_failures, open_timeout_seconds, opened_at, next_retry_at, updated_at
		FROM circuit_breakers WHERE user_id = $1 AND integration_type = $2`

	var (
		cb          models.CircuitBreakerState
		timeoutSecs int64
		openedAt    sql.NullTime
		nextRetryAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, q, key.UserID, key.IntegrationType).Scan(
		&cb.UserID, &cb.IntegrationType, &cb.State, &cb.ConsecutiveFailures,
		&timeoutSecs, &openedAt, &nextRetryAt, &cb.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CircuitBreakerState{}, ErrNotFound
		}

		return models.CircuitBreakerState{}, fmt.Errorf("failed to get breaker: %w", err)
	}

	cb.OpenTimeout = time.Duration(timeoutSecs) * time.Second

	if openedAt.Valid {
		cb.OpenedAt = &openedAt.Time
	}

	if nextRetryAt.Valid {
		cb.NextRetryAt = &nextRetryAt.Time
	}

	return cb, nil
}

// CompareAndSwap writes the new breaker state only if the stored row still
// matches the snapshot the transition was computed from. The guard includes
// updated_at so same-state transitions (a replacement probe claim) are also
// won by exactly one caller. Returns ErrStaleState when a concurrent attempt
// got there first.
func (r *BreakerRepository) CompareAndSwap(ctx context.Context, prev, next *models.CircuitBreakerState) error {
	const q = `UPDATE circuit_breakers SET
			state = $3,
			consecutive_failures = $4,
			open_timeout_seconds = $5,
			opened_at = $6,
			next_retry_at = $7,
			updated_at = $8
		WHERE user_id = $1 AND integration_type = $2
			AND state = $9 AND consecutive_failures = $10 AND updated_at = $11`

	res, err := r.db.ExecContext(ctx, q,
		next.UserID, next.IntegrationType, next.State, next.ConsecutiveFailures,
		int64(next.OpenTimeout/time.Second), next.OpenedAt, next.NextRetryAt, next.UpdatedAt,
		prev.State, prev.ConsecutiveFailures, prev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update breaker: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStaleState
	}

	return nil
}

// AppendTransition records one audit-trail entry.
func (r *BreakerRepository) AppendTransition(ctx context.Context, tr *models.BreakerTransition) error {
	const q = `INSERT INTO breaker_transitions (user_id, integration_type, old_state, new_state, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.ExecContext(ctx, q, tr.UserID, tr.IntegrationType, tr.OldState, tr.NewState, tr.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append breaker transition: %w", err)
	}

	return nil
}

// ListByUser returns all breaker rows for one user.
func (r *BreakerRepository) ListByUser(ctx context.Context, userID string) ([]models.CircuitBreakerState, error) {
	const q = `SELECT user_id, integration_type, state, consecutive_failures, open_timeout_seconds, opened_at, next_retry_at, updated_at
		FROM circuit_breakers WHERE user_id = $1`

	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list breakers: %w", err)
	}
	defer rows.Close()

	var ans []models.CircuitBreakerState

	for rows.Next() {
		var (
			cb          models.CircuitBreakerState
			timeoutSecs int64
			openedAt    sql.NullTime
			nextRetryAt sql.NullTime
		)

		err := rows.Scan(&cb.UserID, &cb.IntegrationType, &cb.State, &cb.ConsecutiveFailures,
			&timeoutSecs, &openedAt, &nextRetryAt, &cb.UpdatedAt)
		if err != nil {
			return nil, err
		}

		cb.OpenTimeout = time.Duration(timeoutSecs) * time.Second

		if openedAt.Valid {
			cb.OpenedAt = &openedAt.Time
		}

		if nextRetryAt.Valid {
			cb.NextRetryAt = &nextRetryAt.Time
		}

		ans = append(ans, cb)
	}

	return ans, rows.Err()
}

// Delete removes the breaker row and is only used on disconnect.
func (r *BreakerRepository) Delete(ctx context.Context, key models.PairKey) error {
	const q = `DELETE FROM circuit_breakers WHERE user_id = $1 AND integration_type = $2`

	_, err := r.db.ExecContext(ctx, q, key.UserID, key.IntegrationType)
	if err != nil {
		return fmt.Errorf("failed to delete breaker: %w", err)
	}

	return nil
}
