package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keepintouch/syncengine/breaker"
	"github.com/keepintouch/syncengine/config"
	"github.com/keepintouch/syncengine/models"
	"github.com/keepintouch/syncengine/postgres"
	"github.com/keepintouch/syncengine/scheduler"
)

// In-memory breaker repository with the same compare-and-set semantics as
// the postgres implementation.
type memBreakerRepo struct {
	mu   sync.Mutex
	rows map[models.PairKey]models.CircuitBreakerState
}

func newMemBreakerRepo() *memBreakerRepo {
	return &memBreakerRepo{rows: make(map[models.PairKey]models.CircuitBreakerState)}
}

func (r *memBreakerRepo) GetOrCreate(_ context.Context, key models.PairKey, now time.Time) (models.CircuitBreakerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row, ok := r.rows[key]; ok {
		return row, nil
	}

	row := models.CircuitBreakerState{
		UserID:          key.UserID,
		IntegrationType: key.IntegrationType,
		State:           models.BreakerClosed,
		UpdatedAt:       now,
	}
	r.rows[key] = row

	return row, nil
}

func (r *memBreakerRepo) Get(_ context.Context, key models.PairKey) (models.CircuitBreakerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[key]
	if !ok {
		return models.CircuitBreakerState{}, postgres.ErrNotFound
	}

	return row, nil
}

func (r *memBreakerRepo) CompareAndSwap(_ context.Context, prev, next *models.CircuitBreakerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := models.PairKey{UserID: prev.UserID, IntegrationType: prev.IntegrationType}

	cur, ok := r.rows[key]
	if !ok || cur.State != prev.State || cur.ConsecutiveFailures != prev.ConsecutiveFailures ||
		!cur.UpdatedAt.Equal(prev.UpdatedAt) {
		return postgres.ErrStaleState
	}

	r.rows[key] = *next

	return nil
}

func (r *memBreakerRepo) AppendTransition(context.Context, *models.BreakerTransition) error {
	return nil
}

// In-memory schedule repository.
type memScheduleRepo struct {
	mu   sync.Mutex
	rows map[models.PairKey]models.SyncSchedule
}

func newMemScheduleRepo() *memScheduleRepo {
	return &memScheduleRepo{rows: make(map[models.PairKey]models.SyncSchedule)}
}

func (r *memScheduleRepo) Get(_ context.Context, key models.PairKey) (models.SyncSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[key]
	if !ok {
		return models.SyncSchedule{}, postgres.ErrNotFound
	}

	return row, nil
}

func (r *memScheduleRepo) Upsert(_ context.Context, s *models.SyncSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rows[models.PairKey{UserID: s.UserID, IntegrationType: s.IntegrationType}] = *s

	return nil
}

func (r *memScheduleRepo) ListDue(context.Context, models.IntegrationType, time.Time) ([]string, error) {
	return nil, nil
}

func (r *memScheduleRepo) ListByUser(context.Context, string) ([]models.SyncSchedule, error) {
	return nil, nil
}

func (r *memScheduleRepo) Delete(_ context.Context, key models.PairKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rows, key)

	return nil
}

type fakeTokens struct {
	health      models.TokenHealth
	healthErr   error
	invalidated []models.PairKey
}

func (f *fakeTokens) CheckHealth(_ context.Context, key models.PairKey) (models.TokenHealth, error) {
	return f.health, f.healthErr
}

func (f *fakeTokens) MarkInvalid(_ context.Context, key models.PairKey, _ error) error {
	f.invalidated = append(f.invalidated, key)

	return nil
}

type fakeSyncClient struct {
	outcome  models.SyncOutcome
	err      error
	attempts int
}

func (f *fakeSyncClient) AttemptSync(context.Context, string, models.IntegrationType) (models.SyncOutcome, error) {
	f.attempts++

	return f.outcome, f.err
}

type memMetrics struct {
	mu   sync.Mutex
	rows []models.SyncMetric
}

func (m *memMetrics) Insert(_ context.Context, metric *models.SyncMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows = append(m.rows, *metric)

	return nil
}

type staticLimiter struct {
	allow bool
}

func (l staticLimiter) Allow(context.Context, models.PairKey) bool { return l.allow }

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	val, ok := c.data[key]

	return val, ok
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = value
}

type orchFixture struct {
	orch        *Orchestrator
	tokens      *fakeTokens
	sync        *fakeSyncClient
	metrics     *memMetrics
	breakerRepo *memBreakerRepo
	scheduleRe  *memScheduleRepo
	policy      *config.Policy
	now         time.Time
}

func newFixture(t *testing.T) *orchFixture {
	t.Helper()

	policy, err := config.NewPolicy()
	require.NoError(t, err)

	now := time.Now()
	clock := func() time.Time { return now }

	f := &orchFixture{
		tokens:      &fakeTokens{health: models.TokenHealth{Status: models.TokenValid}},
		sync:        &fakeSyncClient{outcome: models.SyncOutcome{Changed: true, ItemCount: 5}},
		metrics:     &memMetrics{},
		breakerRepo: newMemBreakerRepo(),
		scheduleRe:  newMemScheduleRepo(),
		policy:      policy,
		now:         now,
	}

	breakers := breaker.NewManager(f.breakerRepo, breaker.Policy{
		Threshold:   policy.BreakerThreshold,
		OpenTimeout: policy.BreakerOpenTimeout,
		MaxTimeout:  policy.BreakerMaxTimeout,
	}, zap.NewNop(), breaker.WithClock(clock))

	sched := scheduler.New(f.scheduleRe, nil, policy, zap.NewNop(), scheduler.WithClock(clock))

	f.orch = New(
		f.tokens,
		breakers,
		sched,
		f.metrics,
		f.sync,
		staticLimiter{allow: true},
		newMemCache(),
		policy,
		zap.NewNop(),
		WithClock(clock),
	)

	return f
}

func (f *orchFixture) seedSchedule(t *testing.T, key models.PairKey) {
	t.Helper()

	require.NoError(t, f.scheduleRe.Upsert(context.Background(), &models.SyncSchedule{
		UserID:           key.UserID,
		IntegrationType:  key.IntegrationType,
		CurrentFrequency: 24 * time.Hour,
		NextSyncAt:       f.now,
	}))
}

func TestExecuteSync_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationCalendar}
	f.seedSchedule(t, key)

	result, err := f.orch.ExecuteSync(ctx, key, models.SyncScheduled)
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusSuccess, result.Status)
	assert.True(t, result.Changed)
	assert.Equal(t, 5, result.ItemCount)
	assert.Equal(t, 1, f.sync.attempts)

	// Schedule advanced and metric written.
	sched, err := f.scheduleRe.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, sched.NextSyncAt.After(f.now))
	require.Len(t, f.metrics.rows, 1)
	assert.True(t, f.metrics.rows[0].Success)
}

func TestExecuteSync_AuthRequiredBeforeProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tokens.health = models.TokenHealth{Status: models.TokenInvalid}
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationContacts}

	result, err := f.orch.ExecuteSync(ctx, key, models.SyncScheduled)
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusAuthRequired, result.Status)
	assert.Zero(t, f.sync.attempts, "provider never called on a bad credential")
}

func TestExecuteSync_BreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync.err = &models.ProviderError{Class: models.ErrorClassTransient, Err: errors.New("503")}
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationCalendar}
	f.seedSchedule(t, key)

	for i := 0; i < f.policy.BreakerThreshold; i++ {
		result, err := f.orch.ExecuteSync(ctx, key, models.SyncScheduled)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusFailed, result.Status)
	}

	// Next attempt is short-circuited without touching the provider.
	attempts := f.sync.attempts

	result, err := f.orch.ExecuteSync(ctx, key, models.SyncScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCircuitOpen, result.Status)
	assert.Equal(t, attempts, f.sync.attempts)
}

func TestExecuteSync_ManualBypassesOpenBreaker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync.err = &models.ProviderError{Class: models.ErrorClassTransient, Err: errors.New("503")}
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationContacts}
	f.seedSchedule(t, key)

	for i := 0; i < f.policy.BreakerThreshold; i++ {
		_, err := f.orch.ExecuteSync(ctx, key, models.SyncScheduled)
		require.NoError(t, err)
	}

	// The breaker is open; a manual attempt still reaches the provider and
	// succeeds, but the open breaker stays open.
	f.sync.err = nil

	result, err := f.orch.ExecuteSync(ctx, key, models.SyncManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, result.Status)

	state, err := f.breakerRepo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.BreakerOpen, state.State, "manual outcome must not move an open breaker")
}

func TestExecuteSync_ManualRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.orch.limiter = staticLimiter{allow: false}
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationContacts}

	result, err := f.orch.ExecuteSync(ctx, key, models.SyncManual)
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusRateLimited, result.Status)
	assert.Zero(t, f.sync.attempts)
}

func TestExecuteSync_ScheduledNotRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.orch.limiter = staticLimiter{allow: false}
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationCalendar}
	f.seedSchedule(t, key)

	result, err := f.orch.ExecuteSync(ctx, key, models.SyncScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, result.Status)
}

func TestExecuteSync_AuthFailureMarksTokenInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync.err = &models.ProviderError{Class: models.ErrorClassAuth, Err: errors.New("invalid_grant")}
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationContacts}
	f.seedSchedule(t, key)

	result, err := f.orch.ExecuteSync(ctx, key, models.SyncScheduled)
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusAuthRequired, result.Status)
	require.Len(t, f.tokens.invalidated, 1)
	assert.Equal(t, key, f.tokens.invalidated[0])
}

func TestExecuteSync_FailureReschedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync.err = &models.ProviderError{Class: models.ErrorClassTransient, Err: errors.New("timeout")}
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationCalendar}
	f.seedSchedule(t, key)

	_, err := f.orch.ExecuteSync(ctx, key, models.SyncScheduled)
	require.NoError(t, err)

	sched, err := f.scheduleRe.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.ConsecutiveFailures)
	assert.Equal(t, f.now.Add(f.policy.FailureBackoffBase), sched.NextSyncAt)
}

func TestExecuteJob_DuplicateSuppressed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationCalendar}
	f.seedSchedule(t, key)

	payload := []byte(`{"user_id":"u1","integration_type":"calendar"}`)

	first, err := f.orch.ExecuteJob(ctx, "sync:scheduled", "task-1", payload, key, models.SyncScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, first.Status)
	assert.Equal(t, 1, f.sync.attempts)

	second, err := f.orch.ExecuteJob(ctx, "sync:scheduled", "task-1", payload, key, models.SyncScheduled)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.sync.attempts, "redelivery must not re-invoke the provider")
}

func TestExecuteJob_NewTaskSamePairRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationCalendar}
	f.seedSchedule(t, key)

	// Two scheduled occurrences of the same pair carry the same payload but
	// distinct task IDs; both must reach the provider.
	payload := []byte(`{"user_id":"u1","integration_type":"calendar"}`)

	_, err := f.orch.ExecuteJob(ctx, "sync:scheduled", "task-1", payload, key, models.SyncScheduled)
	require.NoError(t, err)

	_, err = f.orch.ExecuteJob(ctx, "sync:scheduled", "task-2", payload, key, models.SyncScheduled)
	require.NoError(t, err)

	assert.Equal(t, 2, f.sync.attempts)
}

func TestExecuteJob_GateResultsNotCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationCalendar}
	f.seedSchedule(t, key)

	f.tokens.health = models.TokenHealth{Status: models.TokenInvalid}

	result, err := f.orch.ExecuteJob(ctx, "sync:scheduled", "task-1", nil, key, models.SyncScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusAuthRequired, result.Status)
	assert.Zero(t, f.sync.attempts)

	// The user re-authenticates; a retry of the very same task must run
	// instead of replaying the gate result.
	f.tokens.health = models.TokenHealth{Status: models.TokenValid}

	result, err = f.orch.ExecuteJob(ctx, "sync:scheduled", "task-1", nil, key, models.SyncScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, result.Status)
	assert.Equal(t, 1, f.sync.attempts)
}

func TestExecuteJob_NoTaskIDSkipsCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationCalendar}
	f.seedSchedule(t, key)

	_, err := f.orch.ExecuteJob(ctx, "sync:scheduled", "", nil, key, models.SyncScheduled)
	require.NoError(t, err)

	_, err = f.orch.ExecuteJob(ctx, "sync:scheduled", "", nil, key, models.SyncScheduled)
	require.NoError(t, err)

	assert.Equal(t, 2, f.sync.attempts)
}

func TestWriteMetric_WebhookCreditsSavedCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := models.PairKey{UserID: "u1", IntegrationType: models.IntegrationContacts}
	f.seedSchedule(t, key)

	_, err := f.orch.ExecuteSync(ctx, key, models.SyncWebhook)
	require.NoError(t, err)

	require.Len(t, f.metrics.rows, 1)
	// Contacts default is weekly; the 12h fallback saves 14 polls.
	assert.Equal(t, 14, f.metrics.rows[0].APICallsSaved)

	f.metrics.rows = nil

	_, err = f.orch.ExecuteSync(ctx, key, models.SyncScheduled)
	require.NoError(t, err)
	require.Len(t, f.metrics.rows, 1)
	assert.Zero(t, f.metrics.rows[0].APICallsSaved)
}

func TestIdempotencyKey_Stable(t *testing.T) {
	a := IdempotencyKey("sync:scheduled", "task-1", []byte("payload"))
	b := IdempotencyKey("sync:scheduled", "task-1", []byte("payload"))
	c := IdempotencyKey("sync:webhook", "task-1", []byte("payload"))
	d := IdempotencyKey("sync:scheduled", "task-2", []byte("payload"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}
