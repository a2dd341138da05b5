package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keepintouch/syncengine/models"
)

// ScheduleRepository persists sync schedule rows.
type ScheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Get retrieves the schedule for a pair.
func (r *ScheduleRepository) Get(ctx context.Context, key models.PairKey) (models.SyncSchedule, error) {
	const q = `SELECT user_id, integration_type, current_frequency_seconds, consecutive_no_change,
			consecutive_failures, next_sync_at, onboarding_until, last_success_at, updated_at
		FROM sync_schedules WHERE user_id = $1 AND integration_type = $2`

	row := r.db.QueryRowContext(ctx, q, key.UserID, key.IntegrationType)

	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SyncSchedule{}, ErrNotFound
		}

		return models.SyncSchedule{}, fmt.Errorf("failed to get schedule: %w", err)
	}

	return s, nil
}

// Upsert writes the full schedule row. Used by initialize and by every
// post-sync reschedule.
func (r *ScheduleRepository) Upsert(ctx context.Context, s *models.SyncSchedule) error {
	const q = `INSERT INTO sync_schedules (user_id, integration_type, current_frequency_seconds,
			consecutive_no_change, consecutive_failures, next_sync_at, onboarding_until, last_success_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, integration_type) DO UPDATE SET
			current_frequency_seconds = EXCLUDED.current_frequency_seconds,
			consecutive_no_change = EXCLUDED.consecutive_no_change,
			consecutive_failures = EXCLUDED.consecutive_failures,
			next_sync_at = EXCLUDED.next_sync_at,
			onboarding_until = EXCLUDED.onboarding_until,
			last_success_at = EXCLUDED.last_success_at,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, q,
		s.UserID, s.IntegrationType, int64(s.CurrentFrequency/time.Second),
		s.ConsecutiveNoChange, s.ConsecutiveFailures, s.NextSyncAt,
		s.OnboardingUntil, s.LastSuccessAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}

	return nil
}

// ListDue returns user IDs whose next_sync_at has passed for the given
// integration type.
func (r *ScheduleRepository) ListDue(ctx context.Context, integration models.IntegrationType, now time.Time) ([]string, error) {
	const q = `SELECT user_id FROM sync_schedules
		WHERE integration_type = $1 AND next_sync_at <= $2
		ORDER BY next_sync_at`

	rows, err := r.db.QueryContext(ctx, q, integration, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var ans []string

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}

		ans = append(ans, userID)
	}

	return ans, rows.Err()
}

// ListStale returns schedules with no successful sync inside the window, for
// the operator report.
func (r *ScheduleRepository) ListStale(ctx context.Context, cutoff time.Time) ([]models.SyncSchedule, error) {
	const q = `SELECT user_id, integration_type, current_frequency_seconds, consecutive_no_change,
			consecutive_failures, next_sync_at, onboarding_until, last_success_at, updated_at
		FROM sync_schedules
		WHERE last_success_at IS NULL OR last_success_at < $1
		ORDER BY last_success_at NULLS FIRST`

	rows, err := r.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale schedules: %w", err)
	}
	defer rows.Close()

	var ans []models.SyncSchedule

	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, s)
	}

	return ans, rows.Err()
}

// ListByUser returns all schedules for one user.
func (r *ScheduleRepository) ListByUser(ctx context.Context, userID string) ([]models.SyncSchedule, error) {
	const q = `SELECT user_id, integration_type, current_frequency_seconds, consecutive_no_change,
			consecutive_failures, next_sync_at, onboarding_until, last_success_at, updated_at
		FROM sync_schedules WHERE user_id = $1`

	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var ans []models.SyncSchedule

	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, s)
	}

	return ans, rows.Err()
}

// Delete removes the schedule row on disconnect.
func (r *ScheduleRepository) Delete(ctx context.Context, key models.PairKey) error {
	const q = `DELETE FROM sync_schedules WHERE user_id = $1 AND integration_type = $2`

	_, err := r.db.ExecContext(ctx, q, key.UserID, key.IntegrationType)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	return nil
}

func scanSchedule(row scannable) (models.SyncSchedule, error) {
	var (
		s           models.SyncSchedule
		freqSecs    int64
		onboarding  sql.NullTime
		lastSuccess sql.NullTime
	)

	err := row.Scan(&s.UserID, &s.IntegrationType, &freqSecs, &s.ConsecutiveNoChange,
		&s.ConsecutiveFailures, &s.NextSyncAt, &onboarding, &lastSuccess, &s.UpdatedAt)
	if err != nil {
		return models.SyncSchedule{}, err
	}

	s.CurrentFrequency = time.Duration(freqSecs) * time.Second

	if onboarding.Valid {
		s.OnboardingUntil = &onboarding.Time
	}

	if lastSuccess.Valid {
		s.LastSuccessAt = &lastSuccess.Time
	}

	return s, nil
}
