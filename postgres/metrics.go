package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keepintouch/syncengine/models"
)

// MetricsRepository appends SyncMetric rows and aggregates them for the
// operator interface. Rows are write-once.
type MetricsRepository struct {
	db *sql.DB
}

func NewMetricsRepository(db *sql.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// Insert appends one per-attempt metric.
func (r *MetricsRepository) Insert(ctx context.Context, m *models.SyncMetric) error {
	const q = `INSERT INTO sync_metrics (user_id, integration_type, sync_type, success, duration_ms, items_changed, api_calls_saved, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, q,
		m.UserID, m.IntegrationType, m.SyncType, m.Success,
		m.DurationMs, m.ItemsChanged, m.APICallsSaved, m.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sync metric: %w", err)
	}

	return nil
}

// Summary aggregates metrics for one integration type over a rolling window.
func (r *MetricsRepository) Summary(ctx context.Context, integration models.IntegrationType, window time.Duration, now time.Time) (models.MetricsSummary, error) {
	const q = `SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COALESCE(SUM(items_changed), 0),
			COALESCE(SUM(api_calls_saved), 0)
		FROM sync_metrics
		WHERE integration_type = $1 AND recorded_at >= $2`

	var (
		total, succeeded            int
		itemsChanged, apiCallsSaved int
	)

	err := r.db.QueryRowContext(ctx, q, integration, now.Add(-window)).Scan(
		&total, &succeeded, &itemsChanged, &apiCallsSaved)
	if err != nil {
		return models.MetricsSummary{}, fmt.Errorf("failed to summarize metrics: %w", err)
	}

	summary := models.MetricsSummary{
		IntegrationType: integration,
		Window:          window,
		TotalSyncs:      total,
		ItemsChanged:    itemsChanged,
		APICallsSaved:   apiCallsSaved,
	}

	if total > 0 {
		summary.SuccessRate = float64(succeeded) / float64(total)
	}

	return summary, nil
}
