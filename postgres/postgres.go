// Package postgres implements the persisted state layout of the reliability
// layer: token health, circuit breakers, sync schedules, webhook
// subscriptions and the append-only metric and notification logs. All
// coordination between concurrent sync attempts happens through these tables;
// updates that feed back into state machines use compare-and-set semantics so
// two attempts for the same (user, integration) pair never double-count.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// Open connects to PostgreSQL and applies pool settings suitable for the
// driver loop's fan-out.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS token_health (
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		status TEXT NOT NULL,
		last_checked_at TIMESTAMPTZ NOT NULL,
		expiry_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, integration_type)
	)`,
	`CREATE TABLE IF NOT EXISTS circuit_breakers (
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		state TEXT NOT NULL,
		consecutive_failures INT NOT NULL DEFAULT 0,
		open_timeout_seconds BIGINT NOT NULL DEFAULT 0,
		opened_at TIMESTAMPTZ,
		next_retry_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, integration_type)
	)`,
	`CREATE TABLE IF NOT EXISTS breaker_transitions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		old_state TEXT NOT NULL,
		new_state TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_schedules (
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		current_frequency_seconds BIGINT NOT NULL,
		consecutive_no_change INT NOT NULL DEFAULT 0,
		consecutive_failures INT NOT NULL DEFAULT 0,
		next_sync_at TIMESTAMPTZ NOT NULL,
		onboarding_until TIMESTAMPTZ,
		last_success_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, integration_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_schedules_due
		ON sync_schedules (integration_type, next_sync_at)`,
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		user_id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL UNIQUE,
		resource_id TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		verification_token TEXT NOT NULL,
		last_notification_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notification_log (
		id BIGSERIAL PRIMARY KEY,
		channel_id TEXT NOT NULL,
		resource_state TEXT NOT NULL,
		ok BOOLEAN NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notification_log_received
		ON notification_log (received_at)`,
	`CREATE TABLE IF NOT EXISTS sync_metrics (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		sync_type TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		duration_ms BIGINT NOT NULL,
		items_changed INT NOT NULL DEFAULT 0,
		api_calls_saved INT NOT NULL DEFAULT 0,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_metrics_recorded
		ON sync_metrics (integration_type, recorded_at)`,
}

// RunMigrations creates the schema. Statements are idempotent so repeated
// startups are safe.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
