// Package orchestrator is the single entry point for every sync attempt:
// scheduled driver, webhook handler and manual endpoint all go through
// ExecuteSync. It chains the token gate, the circuit breaker gate, the
// manual rate limit and the collaborator call, then feeds the outcome back
// into the breaker, the scheduler and the metric log.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/keepintouch/syncengine/breaker"
	"github.com/keepintouch/syncengine/config"
	"github.com/keepintouch/syncengine/models"
	"github.com/keepintouch/syncengine/scheduler"
	"go.uber.org/zap"
)

// MetricWriter appends per-attempt metrics. Implemented by
// postgres.MetricsRepository.
type MetricWriter interface {
	Insert(ctx context.Context, m *models.SyncMetric) error
}

// TokenGate is the token health surface the orchestrator needs. Implemented
// by tokenhealth.Monitor.
type TokenGate interface {
	CheckHealth(ctx context.Context, key models.PairKey) (models.TokenHealth, error)
	MarkInvalid(ctx context.Context, key models.PairKey, cause error) error
}

// Orchestrator coordinates one sync attempt end to end.
type Orchestrator struct {
	tokens    TokenGate
	breakers  *breaker.Manager
	scheduler *scheduler.Scheduler
	metrics   MetricWriter
	sync      models.SyncClient
	limiter   RateLimiter
	cache     IdempotencyCache
	policy    *config.Policy
	logger    *zap.Logger
	nowFn     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		o.nowFn = fn
	}
}

func New(
	tokens TokenGate,
	breakers *breaker.Manager,
	sched *scheduler.Scheduler,
	metrics MetricWriter,
	syncClient models.SyncClient,
	limiter RateLimiter,
	cache IdempotencyCache,
	policy *config.Policy,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		tokens:    tokens,
		breakers:  breakers,
		scheduler: sched,
		metrics:   metrics,
		sync:      syncClient,
		limiter:   limiter,
		cache:     cache,
		policy:    policy,
		logger:    logger,
		nowFn:     time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// ExecuteSync runs one gated sync attempt. Gate failures return fast-fail
// results and never reach the provider. Errors are absorbed into the result;
// only infrastructure failures (storage down) return a non-nil error, and
// the periodic driver must survive those per pair.
func (o *Orchestrator) ExecuteSync(ctx context.Context, key models.PairKey, syncType models.SyncType) (models.SyncResult, error) {
	result := models.SyncResult{
		UserID:          key.UserID,
		IntegrationType: key.IntegrationType,
		SyncType:        syncType,
	}

	// Step 1: token gate. Invalid credentials fail fast with a user-facing
	// re-authentication action.
	th, err := o.tokens.CheckHealth(ctx, key)
	if err != nil {
		return result, err
	}

	if !th.Usable() {
		result.Status = models.SyncStatusAuthRequired
		result.Error = "authentication required"

		return result, nil
	}

	// Step 2: breaker gate. Manual syncs bypass the gate but still need the
	// snapshot so their outcome is recorded.
	var snapshot models.CircuitBreakerState

	if syncType == models.SyncManual {
		snapshot, err = o.breakers.GetState(ctx, key)
		if err != nil {
			return result, err
		}
	} else {
		allowed, snap, err := o.breakers.CanExecute(ctx, key)
		if err != nil {
			return result, err
		}

		if !allowed {
			// Operational throttle, silent to the user.
			result.Status = models.SyncStatusCircuitOpen

			return result, nil
		}

		snapshot = snap
	}

	// Step 3: manual rate limit, one request per pair per interval.
	if syncType == models.SyncManual && !o.limiter.Allow(ctx, key) {
		result.Status = models.SyncStatusRateLimited
		result.Error = "rate limited, try again later"

		return result, nil
	}

	// Step 4: the collaborator's sync attempt.
	start := o.nowFn()
	outcome, syncErr := o.sync.AttemptSync(ctx, key.UserID, key.IntegrationType)
	result.Duration = o.nowFn().Sub(start)

	if syncErr == nil {
		return o.completeSuccess(ctx, key, syncType, outcome, result, snapshot)
	}

	return o.completeFailure(ctx, key, syncType, syncErr, result, snapshot)
}

// ExecuteJob wraps ExecuteSync with idempotency for jobs arriving through
// the queue. A redelivery of the same task inside the TTL returns the
// cached result without re-invoking the collaborator. Only outcomes that
// reached the collaborator are cached; gate results (auth, breaker, rate
// limit) are re-evaluated on every delivery. Direct manual calls never come
// through here.
func (o *Orchestrator) ExecuteJob(ctx context.Context, jobName, jobID string, payload []byte, key models.PairKey, syncType models.SyncType) (models.SyncResult, error) {
	useCache := o.cache != nil && jobID != ""
	idemKey := IdempotencyKey(jobName, jobID, payload)

	if useCache {
		if cached, ok := o.cache.Get(ctx, idemKey); ok {
			var result models.SyncResult
			if err := json.Unmarshal(cached, &result); err == nil {
				o.logger.Info("redelivered job suppressed",
					zap.String("job", jobName),
					zap.String("job_id", jobID),
					zap.String("pair", key.String()))

				return result, nil
			}
		}
	}

	result, err := o.ExecuteSync(ctx, key, syncType)
	if err != nil {
		return result, err
	}

	attempted := result.Status == models.SyncStatusSuccess || result.Status == models.SyncStatusFailed
	if useCache && attempted {
		if data, marshalErr := json.Marshal(result); marshalErr == nil {
			o.cache.Set(ctx, idemKey, data, o.policy.IdempotencyTTL)
		}
	}

	return result, nil
}

func (o *Orchestrator) completeSuccess(ctx context.Context, key models.PairKey, syncType models.SyncType, outcome models.SyncOutcome, result models.SyncResult, snapshot models.CircuitBreakerState) (models.SyncResult, error) {
	result.Status = models.SyncStatusSuccess
	result.Changed = outcome.Changed
	result.ItemCount = outcome.ItemCount

	if err := o.breakers.RecordSuccess(ctx, snapshot); err != nil {
		o.logger.Error("failed to record breaker success", zap.Error(err))
	}

	if syncType != models.SyncManual {
		if _, err := o.scheduler.CalculateNextSync(ctx, key, true, outcome.Changed); err != nil {
			o.logger.Error("failed to reschedule after success", zap.Error(err))
		}
	}

	o.writeMetric(ctx, key, syncType, true, result.Duration, outcome.ItemCount)

	o.logger.Info("sync succeeded",
		zap.String("pair", key.String()),
		zap.String("sync_type", string(syncType)),
		zap.Bool("changed", outcome.Changed),
		zap.Int("items", outcome.ItemCount),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (o *Orchestrator) completeFailure(ctx context.Context, key models.PairKey, syncType models.SyncType, syncErr error, result models.SyncResult, snapshot models.CircuitBreakerState) (models.SyncResult, error) {
	class := models.ClassifyError(syncErr)

	result.Status = models.SyncStatusFailed
	result.Error = syncErr.Error()

	if err := o.breakers.RecordFailure(ctx, snapshot); err != nil {
		o.logger.Error("failed to record breaker failure", zap.Error(err))
	}

	if syncType != models.SyncManual {
		// Failures also flow into backoff; the scheduler picks the more
		// urgent of the backoff delay and the current frequency.
		if _, err := o.scheduler.CalculateNextSync(ctx, key, false, false); err != nil {
			o.logger.Error("failed to reschedule after failure", zap.Error(err))
		}
	}

	if class == models.ErrorClassAuth {
		result.Status = models.SyncStatusAuthRequired

		if err := o.tokens.MarkInvalid(ctx, key, syncErr); err != nil {
			o.logger.Error("failed to mark token invalid", zap.Error(err))
		}
	}

	o.writeMetric(ctx, key, syncType, false, result.Duration, 0)

	o.logger.Warn("sync failed",
		zap.String("pair", key.String()),
		zap.String("sync_type", string(syncType)),
		zap.String("class", string(class)),
		zap.Error(syncErr))

	return result, nil
}

func (o *Orchestrator) writeMetric(ctx context.Context, key models.PairKey, syncType models.SyncType, success bool, duration time.Duration, items int) {
	metric := models.SyncMetric{
		UserID:          key.UserID,
		IntegrationType: key.IntegrationType,
		SyncType:        syncType,
		Success:         success,
		DurationMs:      duration.Milliseconds(),
		ItemsChanged:    items,
		APICallsSaved:   o.apiCallsSaved(key.IntegrationType, syncType),
		RecordedAt:      o.nowFn(),
	}

	if err := o.metrics.Insert(ctx, &metric); err != nil {
		// Metrics are append-only observability; losing one never fails the
		// attempt.
		o.logger.Error("failed to write sync metric", zap.Error(err))
	}
}

// apiCallsSaved credits webhook-triggered syncs with the polls the coarse
// fallback interval avoids over one default polling period.
func (o *Orchestrator) apiCallsSaved(integration models.IntegrationType, syncType models.SyncType) int {
	if syncType != models.SyncWebhook {
		return 0
	}

	bounds := o.policy.Bounds(integration)
	if o.policy.WebhookFallbackInterval <= 0 {
		return 0
	}

	saved := int(bounds.Default / o.policy.WebhookFallbackInterval)
	if saved < 1 {
		saved = 1
	}

	return saved
}
