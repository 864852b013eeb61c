package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository"
)

// RateLimitRepo persists per-account send counters. Exactly one row exists
// per account; rows are created lazily by EnsureExists on first dispatch.
// All counter mutations are single atomic UPDATEs — never read-modify-write
// in application code — so concurrent dispatchers sharing an account cannot
// lose updates.
type RateLimitRepo struct{ db *sql.DB }

// NewRateLimitRepo creates a Postgres-backed rate limit store.
func NewRateLimitRepo(db *sql.DB) *RateLimitRepo { return &RateLimitRepo{db: db} }

// Find returns the rate-limit state for an account.
func (r *RateLimitRepo) Find(ctx context.Context, accountID string) (*domain.RateLimitState, error) {
	s := &domain.RateLimitState{}
	err := r.db.QueryRowContext(ctx, `
		SELECT account_id, window_start, hourly_sent, daily_sent, last_reset_at
		FROM email_rate_limits
		WHERE account_id = $1
	`, accountID).Scan(&s.AccountID, &s.WindowStart, &s.HourlySent, &s.DailySent, &s.LastResetAt)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find rate limit state: %w", err)
	}
	return s, nil
}

// EnsureExists bootstraps a zeroed row for the account if none exists.
// Idempotent: account creation and first dispatch are decoupled in time, so
// callers treat this as find-or-create rather than explicit provisioning.
func (r *RateLimitRepo) EnsureExists(ctx context.Context, accountID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_rate_limits (account_id, window_start, hourly_sent, daily_sent, last_reset_at)
		VALUES ($1, $2, 0, 0, $2)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, now)
	if err != nil {
		return fmt.Errorf("ensure rate limit row: %w", err)
	}
	return nil
}

// ResetWindow zeroes the hourly counter and starts a new hourly window.
// The daily counter is untouched; daily resets go through ResetDaily.
func (r *RateLimitRepo) ResetWindow(ctx context.Context, accountID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_rate_limits
		SET hourly_sent = 0, window_start = $2
		WHERE account_id = $1
	`, accountID, now)
	if err != nil {
		return fmt.Errorf("reset rate window: %w", err)
	}
	return nil
}

// ResetDaily zeroes the daily counter and stamps the reset time.
func (r *RateLimitRepo) ResetDaily(ctx context.Context, accountID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_rate_limits
		SET daily_sent = 0, last_reset_at = $2
		WHERE account_id = $1
	`, accountID, now)
	if err != nil {
		return fmt.Errorf("reset daily counter: %w", err)
	}
	return nil
}

// Increment atomically adds to both counters after a dispatch cycle. The
// deltas for one cycle are applied in a single statement — the budget read
// earlier is advisory, but the accounting itself never loses an update.
func (r *RateLimitRepo) Increment(ctx context.Context, accountID string, hourlyDelta, dailyDelta int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_rate_limits
		SET hourly_sent = hourly_sent + $2,
		    daily_sent = daily_sent + $3
		WHERE account_id = $1
	`, accountID, hourlyDelta, dailyDelta)
	if err != nil {
		return fmt.Errorf("increment rate counters: %w", err)
	}
	return nil
}
