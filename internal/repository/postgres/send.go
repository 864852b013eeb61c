package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// SendRepo implements send-queue data access against PostgreSQL.
type SendRepo struct{ db *sql.DB }

// NewSendRepo creates a Postgres-backed send repository.
func NewSendRepo(db *sql.DB) *SendRepo { return &SendRepo{db: db} }

var outstandingStatuses = []string{string(domain.SendPending), string(domain.SendRetry)}

// ListDue returns up to limit sends in the batch that are pending or retry
// and due at or before now. Ordered by id so concurrent dispatchers observe
// a deterministic sequence.
func (r *SendRepo) ListDue(ctx context.Context, batchID string, now time.Time, limit int) ([]domain.Send, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, batch_id, account_id,
		       contact_id, client_id, prospect_id,
		       target_email, COALESCE(target_name, ''), status, attempts,
		       last_error, scheduled_at, sent_at, metadata,
		       created_at, updated_at
		FROM email_sends
		WHERE batch_id = $1
		  AND status = ANY($2)
		  AND (scheduled_at IS NULL OR scheduled_at <= $3)
		ORDER BY id
		LIMIT $4
	`, batchID, pq.Array(outstandingStatuses), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due sends: %w", err)
	}
	defer rows.Close()

	var sends []domain.Send
	for rows.Next() {
		var s domain.Send
		if err := rows.Scan(
			&s.ID, &s.CampaignID, &s.BatchID, &s.AccountID,
			&s.ContactID, &s.ClientID, &s.ProspectID,
			&s.TargetEmail, &s.TargetName, &s.Status, &s.Attempts,
			&s.LastError, &s.ScheduledAt, &s.SentAt, &s.Metadata,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan send: %w", err)
		}
		sends = append(sends, s)
	}
	return sends, rows.Err()
}

// CountOutstanding returns how many sends in the batch are still pending or
// retry, regardless of due time.
func (r *SendRepo) CountOutstanding(ctx context.Context, batchID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_sends
		WHERE batch_id = $1 AND status = ANY($2)
	`, batchID, pq.Array(outstandingStatuses)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count outstanding sends: %w", err)
	}
	return count, nil
}

// CountOutstandingByAccount returns the pending/retry send depth for one
// sending account (direct assignment or via the campaign's account).
func (r *SendRepo) CountOutstandingByAccount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM email_sends s
		WHERE s.status = ANY($2)
		  AND (s.account_id = $1 OR EXISTS (
		      SELECT 1 FROM email_campaigns c
		      WHERE c.id = s.campaign_id AND c.account_id = $1
		  ))
	`, accountID, pq.Array(outstandingStatuses)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count account sends: %w", err)
	}
	return count, nil
}

// MarkSent records a successful delivery: status sent, attempts bumped,
// last error cleared.
func (r *SendRepo) MarkSent(ctx context.Context, id string, attempts int, sentAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = $2, attempts = $3, sent_at = $4,
		    last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, domain.SendSent, attempts, sentAt)
	if err != nil {
		return fmt.Errorf("mark send sent: %w", err)
	}
	return nil
}

// MarkFailure records a delivery failure, moving the send to retry or to
// terminal failed depending on the caller's retry budget decision.
func (r *SendRepo) MarkFailure(ctx context.Context, id string, status domain.SendStatus, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, lastError)
	if err != nil {
		return fmt.Errorf("mark send failure: %w", err)
	}
	return nil
}
