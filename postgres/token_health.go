package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keepintouch/syncengine/models"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// TokenHealthRepository persists models.TokenHealth rows.
type TokenHealthRepository struct {
	db *sql.DB
}

func NewTokenHealthRepository(db *sql.DB) *TokenHealthRepository {
	return &TokenHealthRepository{db: db}
}

// Get retrieves the token health row for a pair.
func (r *TokenHealthRepository) Get(ctx context.Context, key models.PairKey) (models.TokenHealth, error) {
	const q = `SELECT user_id, integration_type, status, last_checked_at, expiry_at, last_error
		FROM token_health WHERE user_id = $1 AND integration_type = $2`

	row := r.db.QueryRowContext(ctx, q, key.UserID, key.IntegrationType)

	return rowToTokenHealth(row)
}

// Upsert writes the full row, creating it on first connection.
func (r *TokenHealthRepository) Upsert(ctx context.Context, th *models.TokenHealth) error {
	const q = `INSERT INTO token_health (user_id, integration_type, status, last_checked_at, expiry_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, integration_type) DO UPDATE SET
			status = EXCLUDED.status,
			last_checked_at = EXCLUDED.last_checked_at,
			expiry_at = EXCLUDED.expiry_at,
			last_error = EXCLUDED.last_error`

	_, err := r.db.ExecContext(ctx, q,
		th.UserID, th.IntegrationType, th.Status, th.LastCheckedAt, th.ExpiryAt, th.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert token health: %w", err)
	}

	return nil
}

// SetStatus updates the status and error of an existing row and returns the
// previous status, which callers use to decide whether to emit a change
// event.
func (r *TokenHealthRepository) SetStatus(ctx context.Context, key models.PairKey, status models.TokenStatus, lastError string, now time.Time) (models.TokenStatus, error) {
	const q = `UPDATE token_health AS t SET status = $3, last_error = $4, last_checked_at = $5
		FROM (SELECT status AS old_status FROM token_health WHERE user_id = $1 AND integration_type = $2) prev
		WHERE t.user_id = $1 AND t.integration_type = $2
		RETURNING prev.old_status`

	var old models.TokenStatus

	err := r.db.QueryRowContext(ctx, q, key.UserID, key.IntegrationType, status, lastError, now).Scan(&old)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}

		return "", fmt.Errorf("failed to set token status: %w", err)
	}

	return old, nil
}

// ListRefreshCandidates returns rows that are expiring_soon or whose expiry
// falls inside the cutoff window.
func (r *TokenHealthRepository) ListRefreshCandidates(ctx context.Context, cutoff time.Time) ([]models.TokenHealth, error) {
	const q = `SELECT user_id, integration_type, status, last_checked_at, expiry_at, last_error
		FROM token_health
		WHERE status = $1 OR (expiry_at IS NOT NULL AND expiry_at < $2 AND status <> $3)
		ORDER BY expiry_at NULLS LAST`

	rows, err := r.db.QueryContext(ctx, q, models.TokenExpiringSoon, cutoff, models.TokenInvalid)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh candidates: %w", err)
	}
	defer rows.Close()

	var ans []models.TokenHealth

	for rows.Next() {
		th, err := scanTokenHealth(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, th)
	}

	return ans, rows.Err()
}

// ListByUser returns all token health rows for one user, for the operator
// interface.
func (r *TokenHealthRepository) ListByUser(ctx context.Context, userID string) ([]models.TokenHealth, error) {
	const q = `SELECT user_id, integration_type, status, last_checked_at, expiry_at, last_error
		FROM token_health WHERE user_id = $1`

	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list token health: %w", err)
	}
	defer rows.Close()

	var ans []models.TokenHealth

	for rows.Next() {
		th, err := scanTokenHealth(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, th)
	}

	return ans, rows.Err()
}

// Delete removes the row. Only called on explicit disconnect.
func (r *TokenHealthRepository) Delete(ctx context.Context, key models.PairKey) error {
	const q = `DELETE FROM token_health WHERE user_id = $1 AND integration_type = $2`

	_, err := r.db.ExecContext(ctx, q, key.UserID, key.IntegrationType)
	if err != nil {
		return fmt.Errorf("failed to delete token health: %w", err)
	}

	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func rowToTokenHealth(row *sql.Row) (models.TokenHealth, error) {
	th, err := scanTokenHealth(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TokenHealth{}, ErrNotFound
		}

		return models.TokenHealth{}, err
	}

	return th, nil
}

func scanTokenHealth(row scannable) (models.TokenHealth, error) {
	var (
		th     models.TokenHealth
		expiry sql.NullTime
	)

	err := row.Scan(&th.UserID, &th.IntegrationType, &th.Status, &th.LastCheckedAt, &expiry, &th.LastError)
	if err != nil {
		return models.TokenHealth{}, err
	}

	if expiry.Valid {
		th.ExpiryAt = &expiry.Time
	}

	return th, nil
}
