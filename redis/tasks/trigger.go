package tasks

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/keepintouch/syncengine/models"
)

// Trigger enqueues immediate out-of-band syncs. Webhook and initial syncs
// go to the critical queue so they preempt the scheduled backlog.
type Trigger struct {
	enqueuer Enqueuer
}

func NewTrigger(enqueuer Enqueuer) *Trigger {
	return &Trigger{enqueuer: enqueuer}
}

func (t *Trigger) TriggerSync(ctx context.Context, key models.PairKey, syncType models.SyncType) error {
	task, err := CreateSyncTask(syncType, &SyncPayload{
		UserID:          key.UserID,
		IntegrationType: key.IntegrationType,
	})
	if err != nil {
		return err
	}

	queue := QueueDefault
	if syncType == models.SyncWebhook || syncType == models.SyncInitial {
		queue = QueueCritical
	}

	return t.enqueuer.EnqueueTask(ctx, task, asynq.Queue(queue))
}
