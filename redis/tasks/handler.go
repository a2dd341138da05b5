package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/keepintouch/syncengine/config"
	"github.com/keepintouch/syncengine/models"
	"go.uber.org/zap"
)

// SyncExecutor runs one idempotent sync job. Implemented by
// orchestrator.Orchestrator.
type SyncExecutor interface {
	ExecuteJob(ctx context.Context, jobName, jobID string, payload []byte, key models.PairKey, syncType models.SyncType) (models.SyncResult, error)
}

// DueLister returns the pairs due for a scheduled sync. Implemented by
// scheduler.Scheduler.
type DueLister interface {
	GetUsersDueForSync(ctx context.Context, integration models.IntegrationType, now time.Time) ([]string, error)
}

// TokenRefresher runs the token refresh batch. Implemented by
// tokenhealth.Monitor.
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, cutoff time.Duration) (int, error)
}

// SubscriptionMaintainer runs the subscription batches. Implemented by
// webhook.Manager.
type SubscriptionMaintainer interface {
	RenewExpiring(ctx context.Context, cutoff time.Duration) (int, error)
	CheckHealth(ctx context.Context) error
}

// Enqueuer puts tasks on the queue. Implemented by redis.Client.
type Enqueuer interface {
	EnqueueTask(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error
}

// Handler processes every task type of the sync engine.
type Handler struct {
	executor      SyncExecutor
	due           DueLister
	tokens        TokenRefresher
	subscriptions SubscriptionMaintainer
	enqueuer      Enqueuer
	policy        *config.Policy
	logger        *zap.Logger
	taskTimeout   time.Duration
	scanFanout    int
}

// HandlerOption is a function that configures a Handler
type HandlerOption func(*Handler)

// WithTaskTimeout sets the timeout for task processing
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

// WithScanFanout sets how many due pairs a schedule scan enqueues
// concurrently.
func WithScanFanout(n int) HandlerOption {
	return func(h *Handler) {
		h.scanFanout = n
	}
}

// NewHandler creates a new task handler with the provided options
func NewHandler(
	executor SyncExecutor,
	due DueLister,
	tokens TokenRefresher,
	subscriptions SubscriptionMaintainer,
	enqueuer Enqueuer,
	policy *config.Policy,
	logger *zap.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		executor:      executor,
		due:           due,
		tokens:        tokens,
		subscriptions: subscriptions,
		enqueuer:      enqueuer,
		policy:        policy,
		logger:        logger,
		taskTimeout:   5 * time.Minute,
		scanFanout:    8,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// ProcessTask processes a task based on its type. Domain failures (a sync
// attempt that failed, a gate that denied) are absorbed here: the scheduler
// and breaker already own their consequences, so asynq retries only
// infrastructure errors.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeSyncScheduled, TypeSyncWebhook, TypeSyncInitial:
		return h.processSyncTask(ctx, task)
	case TypeScheduleScan:
		return h.processScheduleScan(ctx, task)
	case TypeTokenRefresh:
		_, err := h.tokens.RefreshExpiring(ctx, h.policy.TokenRefreshCutoff)
		return err
	case TypeSubscriptionRenew:
		_, err := h.subscriptions.RenewExpiring(ctx, h.policy.SubscriptionRenewalCutoff)
		return err
	case TypeSubscriptionHealth:
		return h.subscriptions.CheckHealth(ctx)
	case TypeHealthCheck:
		return nil // Health check task always succeeds
	case TypeConnectionTest:
		return nil // Connection test task always succeeds
	default:
		return fmt.Errorf("unknown task type: %s", task.Type())
	}
}

// Mux returns a ServeMux routing every known task type to this handler.
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSyncScheduled, h.ProcessTask)
	mux.HandleFunc(TypeSyncWebhook, h.ProcessTask)
	mux.HandleFunc(TypeSyncInitial, h.ProcessTask)
	mux.HandleFunc(TypeScheduleScan, h.ProcessTask)
	mux.HandleFunc(TypeTokenRefresh, h.ProcessTask)
	mux.HandleFunc(TypeSubscriptionRenew, h.ProcessTask)
	mux.HandleFunc(TypeSubscriptionHealth, h.ProcessTask)
	mux.HandleFunc(TypeHealthCheck, h.ProcessTask)
	mux.HandleFunc(TypeConnectionTest, h.ProcessTask)

	return mux
}
