// Package workerrunner runs the queue-worker personality: the asynq server
// processing sync and maintenance tasks, plus the periodic entries that
// drive schedule scans, token refreshes and subscription upkeep.
package workerrunner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/keepintouch/syncengine/breaker"
	"github.com/keepintouch/syncengine/config"
	"github.com/keepintouch/syncengine/models"
	"github.com/keepintouch/syncengine/orchestrator"
	"github.com/keepintouch/syncengine/postgres"
	"github.com/keepintouch/syncengine/provider"
	redisinfra "github.com/keepintouch/syncengine/redis"
	redisconfig "github.com/keepintouch/syncengine/redis/config"
	"github.com/keepintouch/syncengine/redis/tasks"
	"github.com/keepintouch/syncengine/runner"
	"github.com/keepintouch/syncengine/scheduler"
	"github.com/keepintouch/syncengine/tokenhealth"
	"github.com/keepintouch/syncengine/webhook"
)

// Cron specs for the periodic drivers. The scan interval is independent of
// per-pair schedules; it only bounds how stale a due pair can get.
const (
	scanSpec        = "@every 5m"
	refreshSpec     = "@every 30m"
	renewSpec       = "@every 6h"
	subHealthSpec   = "@every 1h"
	shutdownTimeout = 30 * time.Second
)

type workerRunner struct {
	cfg      *runner.Config
	logger   *zap.Logger
	db       *sql.DB
	rdb      *goredis.Client
	client   *redisinfra.Client
	server   *redisinfra.Server
	periodic *asynq.Scheduler
	handler  *tasks.Handler
}

// New builds the full worker wiring from configuration.
func New(cfg *runner.Config) (runner.Runner, error) {
	if cfg.Dsn == "" {
		return nil, fmt.Errorf("missing postgres DSN")
	}

	if cfg.ProviderBaseURL == "" {
		return nil, fmt.Errorf("missing provider base URL")
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	policy, err := config.NewPolicy()
	if err != nil {
		return nil, err
	}

	redisCfg, err := redisconfig.NewRedisConfig()
	if err != nil {
		return nil, err
	}

	db, err := postgres.Open(cfg.Dsn)
	if err != nil {
		return nil, err
	}

	if err := postgres.RunMigrations(context.Background(), db); err != nil {
		db.Close()

		return nil, err
	}

	client, err := redisinfra.NewClient(redisCfg)
	if err != nil {
		db.Close()

		return nil, err
	}

	server, err := redisinfra.NewServer(redisCfg)
	if err != nil {
		db.Close()

		return nil, err
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     redisCfg.GetRedisAddr(),
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	collaborator := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderTimeout)

	tokenRepo := postgres.NewTokenHealthRepository(db)
	breakerRepo := postgres.NewBreakerRepository(db)
	scheduleRepo := postgres.NewScheduleRepository(db)
	subscriptionRepo := postgres.NewSubscriptionRepository(db)
	metricsRepo := postgres.NewMetricsRepository(db)

	monitor := tokenhealth.NewMonitor(tokenRepo, collaborator, tokenhealth.NewLogSink(logger), policy.TokenRefreshCutoff, logger)

	breakerMgr := breaker.NewManager(breakerRepo, breaker.Policy{
		Threshold:   policy.BreakerThreshold,
		OpenTimeout: policy.BreakerOpenTimeout,
		MaxTimeout:  policy.BreakerMaxTimeout,
	}, logger)

	sched := scheduler.New(scheduleRepo, nil, policy, logger)

	trigger := tasks.NewTrigger(client)

	webhookMgr := webhook.NewManager(subscriptionRepo, collaborator, sched, trigger, policy, logger)
	sched.SetSubscriptionChecker(webhookMgr)

	orch := orchestrator.New(
		monitor,
		breakerMgr,
		sched,
		metricsRepo,
		collaborator,
		orchestrator.NewRedisRateLimiter(rdb, policy.ManualSyncInterval, logger),
		orchestrator.NewRedisIdempotencyCache(rdb, logger),
		policy,
		logger,
	)

	handler := tasks.NewHandler(orch, sched, monitor, webhookMgr, client, policy, logger)

	periodic, err := newPeriodic(redisCfg)
	if err != nil {
		db.Close()

		return nil, err
	}

	return &workerRunner{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		client:   client,
		server:   server,
		periodic: periodic,
		handler:  handler,
	}, nil
}

func (w *workerRunner) Run(ctx context.Context) error {
	if err := w.server.Start(ctx, w.handler.Mux()); err != nil {
		return err
	}

	if err := w.periodic.Start(); err != nil {
		return err
	}

	w.logger.Info("worker started")

	<-ctx.Done()

	return ctx.Err()
}

func (w *workerRunner) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	w.periodic.Shutdown()

	var err error

	err = multierr.Append(err, w.server.Shutdown(shutdownCtx))
	err = multierr.Append(err, w.client.Close())
	err = multierr.Append(err, w.rdb.Close())
	err = multierr.Append(err, w.db.Close())

	return err
}

// newPeriodic registers the cron-style drivers: one schedule scan per
// integration type plus the token and subscription maintenance batches.
func newPeriodic(redisCfg *redisconfig.RedisConfig) (*asynq.Scheduler, error) {
	periodic := asynq.NewScheduler(asynq.RedisClientOpt{
		Addr:     redisCfg.GetRedisAddr(),
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	}, nil)

	for _, integration := range models.AllIntegrationTypes {
		scanTask, err := tasks.CreateScanTask(&tasks.ScanPayload{IntegrationType: integration})
		if err != nil {
			return nil, err
		}

		if _, err := periodic.Register(scanSpec, scanTask, asynq.Queue(tasks.QueueLow)); err != nil {
			return nil, err
		}
	}

	entries := []struct {
		spec     string
		taskType string
	}{
		{refreshSpec, tasks.TypeTokenRefresh},
		{renewSpec, tasks.TypeSubscriptionRenew},
		{subHealthSpec, tasks.TypeSubscriptionHealth},
	}

	for _, entry := range entries {
		if _, err := periodic.Register(entry.spec, asynq.NewTask(entry.taskType, nil), asynq.Queue(tasks.QueueLow)); err != nil {
			return nil, err
		}
	}

	return periodic, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
