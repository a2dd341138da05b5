package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/keepintouch/syncengine/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CreateSyncTask creates a sync task for one pair.
func CreateSyncTask(syncType models.SyncType, payload *SyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync payload: %w", err)
	}

	return asynq.NewTask(taskTypeFor(syncType), data), nil
}

// CreateScanTask creates a schedule scan task for one integration type.
func CreateScanTask(payload *ScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scan payload: %w", err)
	}

	return asynq.NewTask(TypeScheduleScan, data), nil
}

func (h *Handler) processSyncTask(ctx context.Context, task *asynq.Task) error {
	var payload SyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal sync payload: %w", err)
	}

	key := models.PairKey{UserID: payload.UserID, IntegrationType: payload.IntegrationType}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("invalid sync payload: %w", err)
	}

	// The asynq task ID identifies this delivery's task instance; retries of
	// the same task keep it, so idempotency dedupes exactly redeliveries.
	jobID, _ := asynq.GetTaskID(ctx)

	result, err := h.executor.ExecuteJob(ctx, task.Type(), jobID, task.Payload(), key, syncTypeFor(task.Type()))
	if err != nil {
		// Infrastructure failure; let asynq retry with backoff.
		return err
	}

	if result.Status != models.SyncStatusSuccess {
		h.logger.Info("sync job did not run to success",
			zap.String("pair", key.String()),
			zap.String("status", string(result.Status)))
	}

	return nil
}

// processScheduleScan is the periodic driver's tick: fan out one sync task
// per due pair. Tasks are unique per pair while pending so overlapping scans
// never double-enqueue; individual enqueue failures don't stop the scan.
func (h *Handler) processScheduleScan(ctx context.Context, task *asynq.Task) error {
	var payload ScanPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal scan payload: %w", err)
	}

	now := time.Now()

	userIDs, err := h.due.GetUsersDueForSync(ctx, payload.IntegrationType, now)
	if err != nil {
		return fmt.Errorf("failed to list due pairs: %w", err)
	}

	if len(userIDs) == 0 {
		return nil
	}

	h.logger.Info("schedule scan",
		zap.String("integration", string(payload.IntegrationType)),
		zap.Int("due", len(userIDs)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.scanFanout)

	for _, userID := range userIDs {
		userID := userID

		g.Go(func() error {
			syncTask, err := CreateSyncTask(models.SyncScheduled, &SyncPayload{
				UserID:          userID,
				IntegrationType: payload.IntegrationType,
			})
			if err != nil {
				return err
			}

			err = h.enqueuer.EnqueueTask(gctx, syncTask,
				asynq.Queue(QueueDefault),
				asynq.Unique(10*time.Minute))
			if err != nil {
				h.logger.Warn("failed to enqueue scheduled sync",
					zap.String("user_id", userID),
					zap.Error(err))
			}

			return nil
		})
	}

	return g.Wait()
}
