package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keepintouch/syncengine/models"
)

// SubscriptionRepository persists webhook subscriptions and the append-only
// notification log that feeds liveness and failure-rate accounting.
type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Upsert writes a subscription row, replacing any previous registration for
// the user. Renewal reuses this with a refreshed expiry.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *models.WebhookSubscription) error {
	const q = `INSERT INTO webhook_subscriptions (user_id, channel_id, resource_id, expires_at, verification_token, last_notification_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			resource_id = EXCLUDED.resource_id,
			expires_at = EXCLUDED.expires_at,
			verification_token = EXCLUDED.verification_token,
			last_notification_at = EXCLUDED.last_notification_at`

	_, err := r.db.ExecContext(ctx, q,
		sub.UserID, sub.ChannelID, sub.ResourceID, sub.ExpiresAt,
		sub.VerificationToken, sub.LastNotificationAt, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return nil
}

// GetByUser retrieves the subscription for a user.
func (r *SubscriptionRepository) GetByUser(ctx context.Context, userID string) (models.WebhookSubscription, error) {
	const q = `SELECT user_id, channel_id, resource_id, expires_at, verification_token, last_notification_at, created_at
		FROM webhook_subscriptions WHERE user_id = $1`

	return rowToSubscription(r.db.QueryRowContext(ctx, q, userID))
}

// GetByChannel retrieves the subscription owning an inbound channel ID.
func (r *SubscriptionRepository) GetByChannel(ctx context.Context, channelID string) (models.WebhookSubscription, error) {
	const q = `SELECT user_id, channel_id, resource_id, expires_at, verification_token, last_notification_at, created_at
		FROM webhook_subscriptions WHERE channel_id = $1`

	return rowToSubscription(r.db.QueryRowContext(ctx, q, channelID))
}

// ListExpiring returns subscriptions expiring before the cutoff.
func (r *SubscriptionRepository) ListExpiring(ctx context.Context, cutoff time.Time) ([]models.WebhookSubscription, error) {
	const q = `SELECT user_id, channel_id, resource_id, expires_at, verification_token, last_notification_at, created_at
		FROM webhook_subscriptions WHERE expires_at < $1 ORDER BY expires_at`

	return r.list(ctx, q, cutoff)
}

// ListActive returns every subscription, for the health check pass.
func (r *SubscriptionRepository) ListActive(ctx context.Context) ([]models.WebhookSubscription, error) {
	const q = `SELECT user_id, channel_id, resource_id, expires_at, verification_token, last_notification_at, created_at
		FROM webhook_subscriptions ORDER BY created_at`

	return r.list(ctx, q)
}

// TouchNotification updates last_notification_at after a valid inbound push.
func (r *SubscriptionRepository) TouchNotification(ctx context.Context, channelID string, at time.Time) error {
	const q = `UPDATE webhook_subscriptions SET last_notification_at = $2 WHERE channel_id = $1`

	_, err := r.db.ExecContext(ctx, q, channelID, at)
	if err != nil {
		return fmt.Errorf("failed to touch subscription: %w", err)
	}

	return nil
}

// Delete removes the subscription row on disconnect or permanent
// registration failure.
func (r *SubscriptionRepository) Delete(ctx context.Context, userID string) error {
	const q = `DELETE FROM webhook_subscriptions WHERE user_id = $1`

	_, err := r.db.ExecContext(ctx, q, userID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	return nil
}

// LogNotification appends a notification record.
func (r *SubscriptionRepository) LogNotification(ctx context.Context, rec *models.NotificationRecord) error {
	const q = `INSERT INTO notification_log (channel_id, resource_state, ok, detail, received_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.ExecContext(ctx, q, rec.ChannelID, rec.ResourceState, rec.OK, rec.Detail, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to log notification: %w", err)
	}

	return nil
}

// NotificationFailureRate computes the fraction of failed notifications since
// the cutoff. Returns 0 when no notifications were logged.
func (r *SubscriptionRepository) NotificationFailureRate(ctx context.Context, since time.Time) (float64, error) {
	const q = `SELECT COUNT(*) FILTER (WHERE NOT ok), COUNT(*)
		FROM notification_log WHERE received_at >= $1`

	var failed, total int

	if err := r.db.QueryRowContext(ctx, q, since).Scan(&failed, &total); err != nil {
		return 0, fmt.Errorf("failed to compute notification failure rate: %w", err)
	}

	if total == 0 {
		return 0, nil
	}

	return float64(failed) / float64(total), nil
}

func (r *SubscriptionRepository) list(ctx context.Context, q string, args ...any) ([]models.WebhookSubscription, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var ans []models.WebhookSubscription

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, sub)
	}

	return ans, rows.Err()
}

func rowToSubscription(row *sql.Row) (models.WebhookSubscription, error) {
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WebhookSubscription{}, ErrNotFound
		}

		return models.WebhookSubscription{}, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

func scanSubscription(row scannable) (models.WebhookSubscription, error) {
	var (
		sub      models.WebhookSubscription
		lastNote sql.NullTime
	)

	err := row.Scan(&sub.UserID, &sub.ChannelID, &sub.ResourceID, &sub.ExpiresAt,
		&sub.VerificationToken, &lastNote, &sub.CreatedAt)
	if err != nil {
		return models.WebhookSubscription{}, err
	}

	if lastNote.Valid {
		sub.LastNotificationAt = &lastNote.Time
	}

	return sub, nil
}
