// Package tasks provides the queue task surface of the sync engine: task
// type constants, payloads and the worker-side handler.
package tasks

import (
	"github.com/keepintouch/syncengine/models"
)

// Task types
const (
	TypeSyncScheduled      = "sync:scheduled"
	TypeSyncWebhook        = "sync:webhook"
	TypeSyncInitial        = "sync:initial"
	TypeScheduleScan       = "schedule:scan"
	TypeTokenRefresh       = "token:refresh"
	TypeSubscriptionRenew  = "subscription:renew"
	TypeSubscriptionHealth = "subscription:health"
	TypeHealthCheck        = "health:check"
	TypeConnectionTest     = "connection:test"
)

// Queue names, matching the priorities in redis/config.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// SyncPayload identifies the pair a sync task targets.
type SyncPayload struct {
	UserID          string                 `json:"user_id"`
	IntegrationType models.IntegrationType `json:"integration_type"`
}

// ScanPayload tells a schedule scan which integration type to fan out.
type ScanPayload struct {
	IntegrationType models.IntegrationType `json:"integration_type"`
}

// syncTypeFor maps a task type to the sync tag recorded in metrics and
// branching in the orchestrator.
func syncTypeFor(taskType string) models.SyncType {
	switch taskType {
	case TypeSyncWebhook:
		return models.SyncWebhook
	case TypeSyncInitial:
		return models.SyncInitial
	default:
		return models.SyncScheduled
	}
}

// taskTypeFor is the inverse mapping used when enqueuing.
func taskTypeFor(syncType models.SyncType) string {
	switch syncType {
	case models.SyncWebhook:
		return TypeSyncWebhook
	case models.SyncInitial:
		return TypeSyncInitial
	default:
		return TypeSyncScheduled
	}
}
