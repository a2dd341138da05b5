// Package testcontainers manages throwaway Redis and PostgreSQL containers
// for integration tests. The PostgreSQL container comes up with the sync
// engine schema already applied, so repository tests run against the real
// tables.
//
// Basic usage:
//
//	func TestMyFeature(t *testing.T) {
//	    testcontainers.WithTestContext(t, func(ctx *TestContext) {
//	        // ctx.DB and ctx.Redis are ready
//	    })
//	}
//
// Docker must be installed and running.
package testcontainers

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keepintouch/syncengine/postgres"
)

// defaultTimeout bounds container startup and schema setup.
const defaultTimeout = 60 * time.Second

// TestContext holds the containers and ready-to-use clients for one test.
type TestContext struct {
	t *testing.T

	ctx        context.Context
	cancelFunc context.CancelFunc
	cleanup    []func()

	redisContainer    *RedisContainer
	postgresContainer *PostgresContainer

	Redis *redis.Client
	DB    *sql.DB
	DSN   string
}

// NewTestContext starts both containers, applies the schema and returns a
// ready context. It fails the test if anything cannot start.
func NewTestContext(t *testing.T) *TestContext {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	tc := &TestContext{
		t:          t,
		ctx:        ctx,
		cancelFunc: cancel,
		cleanup:    make([]func(), 0),
	}

	if err := tc.initRedis(); err != nil {
		tc.Cleanup()
		t.Fatalf("Failed to initialize Redis: %v", err)
	}

	if err := tc.initPostgres(); err != nil {
		tc.Cleanup()
		t.Fatalf("Failed to initialize Postgres: %v", err)
	}

	return tc
}

// WithTestContext runs fn with a test context and cleans up afterwards.
func WithTestContext(t *testing.T, fn func(*TestContext)) {
	t.Helper()

	ctx := NewTestContext(t)
	defer ctx.Cleanup()
	fn(ctx)
}

// Cleanup tears down resources in reverse order of creation.
func (tc *TestContext) Cleanup() {
	for i := len(tc.cleanup) - 1; i >= 0; i-- {
		tc.cleanup[i]()
	}

	tc.cancelFunc()
}

func (tc *TestContext) addCleanup(fn func()) {
	tc.cleanup = append(tc.cleanup, fn)
}

func (tc *TestContext) initRedis() error {
	container, err := NewRedisContainer(tc.ctx)
	if err != nil {
		return fmt.Errorf("failed to create Redis container: %w", err)
	}

	tc.redisContainer = container
	tc.addCleanup(func() {
		if err := container.Terminate(tc.ctx); err != nil {
			tc.t.Errorf("Failed to terminate Redis container: %v", err)
		}
	})

	tc.Redis = redis.NewClient(&redis.Options{
		Addr:     container.GetAddress(),
		Password: container.Password,
		DB:       0,
	})
	tc.addCleanup(func() {
		if err := tc.Redis.Close(); err != nil {
			tc.t.Errorf("Failed to close Redis client: %v", err)
		}
	})

	return nil
}

func (tc *TestContext) initPostgres() error {
	container, err := NewPostgresContainer(tc.ctx)
	if err != nil {
		return fmt.Errorf("failed to create Postgres container: %w", err)
	}

	tc.postgresContainer = container
	tc.addCleanup(func() {
		if err := container.Terminate(tc.ctx); err != nil {
			tc.t.Errorf("Failed to terminate Postgres container: %v", err)
		}
	})

	tc.DSN = container.GetDSN()

	db, err := postgres.Open(tc.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	tc.DB = db
	tc.addCleanup(func() {
		if err := tc.DB.Close(); err != nil {
			tc.t.Errorf("Failed to close database: %v", err)
		}
	})

	if err := postgres.RunMigrations(tc.ctx, db); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}
