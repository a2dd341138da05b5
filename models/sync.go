package models

import "time"

// SyncType tags how a sync attempt was initiated.
type SyncType string

const (
	SyncScheduled SyncType = "scheduled"
	SyncManual    SyncType = "manual"
	SyncWebhook   SyncType = "webhook"
	SyncInitial   SyncType = "initial"
)

// SyncStatus is the caller-facing outcome of an executeSync call, including
// the fast-fail paths that never reach the provider.
type SyncStatus string

const (
	SyncStatusSuccess      SyncStatus = "success"
	SyncStatusFailed       SyncStatus = "failed"
	SyncStatusAuthRequired SyncStatus = "auth_required"
	SyncStatusCircuitOpen  SyncStatus = "circuit_open"
	SyncStatusRateLimited  SyncStatus = "rate_limited"
)

// SyncResult is returned from the orchestrator for every attempt.
type SyncResult struct {
	UserID          string          `json:"user_id"`
	IntegrationType IntegrationType `json:"integration_type"`
	SyncType        SyncType        `json:"sync_type"`
	Status          SyncStatus      `json:"status"`
	Changed         bool            `json:"changed"`
	ItemCount       int             `json:"item_count"`
	Duration        time.Duration   `json:"duration"`
	Error           string          `json:"error,omitempty"`
}

// Retryable reports whether the driver may see this result again for the
// same pair without operator action.
func (r *SyncResult) Retryable() bool {
	return r.Status == SyncStatusFailed || r.Status == SyncStatusCircuitOpen
}

// SyncMetric is the append-only per-attempt record. Write-once.
type SyncMetric struct {
	UserID          string          `json:"user_id"`
	IntegrationType IntegrationType `json:"integration_type"`
	SyncType        SyncType        `json:"sync_type"`
	Success         bool            `json:"success"`
	DurationMs      int64           `json:"duration_ms"`
	ItemsChanged    int             `json:"items_changed"`
	APICallsSaved   int             `json:"api_calls_saved"`
	RecordedAt      time.Time       `json:"recorded_at"`
}

// MetricsSummary aggregates SyncMetric rows for the operator interface.
type MetricsSummary struct {
	IntegrationType IntegrationType `json:"integration_type"`
	Window          time.Duration   `json:"window"`
	TotalSyncs      int             `json:"total_syncs"`
	SuccessRate     float64         `json:"success_rate"`
	ItemsChanged    int             `json:"items_changed"`
	APICallsSaved   int             `json:"api_calls_saved"`
}
