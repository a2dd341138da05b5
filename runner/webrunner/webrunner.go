// Package webrunner runs the HTTP personality: the manual sync endpoint,
// connection lifecycle endpoints, inbound webhook notifications and the
// read-only operator interface.
package webrunner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/keepintouch/syncengine/breaker"
	"github.com/keepintouch/syncengine/config"
	"github.com/keepintouch/syncengine/orchestrator"
	"github.com/keepintouch/syncengine/postgres"
	"github.com/keepintouch/syncengine/provider"
	redisinfra "github.com/keepintouch/syncengine/redis"
	redisconfig "github.com/keepintouch/syncengine/redis/config"
	"github.com/keepintouch/syncengine/redis/tasks"
	"github.com/keepintouch/syncengine/runner"
	"github.com/keepintouch/syncengine/scheduler"
	"github.com/keepintouch/syncengine/tokenhealth"
	"github.com/keepintouch/syncengine/web"
	"github.com/keepintouch/syncengine/webhook"
)

const shutdownTimeout = 30 * time.Second

type webRunner struct {
	cfg    *runner.Config
	logger *zap.Logger
	db     *sql.DB
	rdb    *goredis.Client
	client *redisinfra.Client
	srv    *web.Server
}

// New builds the HTTP process wiring from configuration.
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

	lifecycle := orchestrator.NewLifecycle(monitor, sched, breakerRepo, webhookMgr, trigger.TriggerSync, logger)

	stdLogger := zap.NewStdLog(logger)

	srv := web.NewServer(cfg.Addr,
		web.NewSyncHandler(orch, stdLogger),
		web.NewConnectionHandler(lifecycle, stdLogger),
		web.NewNotificationHandler(webhookMgr, stdLogger),
		web.NewOperatorHandler(postgres.NewOperatorStore(db), policy.StaleWindow, stdLogger),
		stdLogger,
	)

	return &webRunner{
		cfg:    cfg,
		logger: logger,
		db:     db,
		rdb:    rdb,
		client: client,
		srv:    srv,
	}, nil
}

func (w *webRunner) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- w.srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *webRunner) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var err error

	err = multierr.Append(err, w.srv.Shutdown(shutdownCtx))
	err = multierr.Append(err, w.client.Close())
	err = multierr.Append(err, w.rdb.Close())
	err = multierr.Append(err, w.db.Close())

	return err
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
