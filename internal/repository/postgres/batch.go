package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository"
)

// BatchRepo implements batch data access against PostgreSQL.
type BatchRepo struct{ db *sql.DB }

// NewBatchRepo creates a Postgres-backed batch repository.
func NewBatchRepo(db *sql.DB) *BatchRepo { return &BatchRepo{db: db} }

// Find returns a single batch by id.
func (r *BatchRepo) Find(ctx context.Context, id string) (*domain.Batch, error) {
	b := &domain.Batch{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, status, total_recipients,
		       processed_count, failed_count, scheduled_for,
		       created_at, updated_at
		FROM email_campaign_batches
		WHERE id = $1
	`, id).Scan(
		&b.ID, &b.CampaignID, &b.Status, &b.TotalRecipients,
		&b.ProcessedCount, &b.FailedCount, &b.ScheduledFor,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find batch: %w", err)
	}
	return b, nil
}

// CreateWithSends inserts a batch and bulk-inserts its sends in one
// transaction. Scheduling streams recipients page by page, so each batch
// flush is its own atomic unit: a crash mid-stream leaves already-flushed
// batches intact.
func (r *BatchRepo) CreateWithSends(ctx context.Context, batch *domain.Batch, sends []domain.Send) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin batch insert: %w", err)
	}
	defer tx.Rollback()

	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO email_campaign_batches (
			id, campaign_id, status, total_recipients,
			processed_count, failed_count, scheduled_for,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, 0, 0, $5, NOW(), NOW())
	`, batch.ID, batch.CampaignID, batch.Status, batch.TotalRecipients, batch.ScheduledFor)
	if err != nil {
		return "", fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO email_sends (
			id, campaign_id, batch_id, account_id,
			contact_id, client_id, prospect_id,
			target_email, target_name, status, attempts,
			scheduled_at, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, NOW(), NOW())
	`)
	if err != nil {
		return "", fmt.Errorf("prepare send insert: %w", err)
	}
	defer stmt.Close()

	for i := range sends {
		s := &sends[i]
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		s.BatchID = batch.ID
		_, err = stmt.ExecContext(ctx,
			s.ID, s.CampaignID, s.BatchID, s.AccountID,
			s.ContactID, s.ClientID, s.ProspectID,
			s.TargetEmail, s.TargetName, s.Status,
			s.ScheduledAt, s.Metadata,
		)
		if err != nil {
			return "", fmt.Errorf("insert send: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit batch insert: %w", err)
	}
	return batch.ID, nil
}

// MarkProcessing moves a pending batch to processing (first dispatch touch).
func (r *BatchRepo) MarkProcessing(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE email_campaign_batches
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, domain.BatchProcessing, domain.BatchPending)
	if err != nil {
		return fmt.Errorf("mark batch processing: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repository.ErrInvalidTransition
	}
	return nil
}

// MarkCompleted closes out a batch.
func (r *BatchRepo) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_campaign_batches
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`, id, domain.BatchCompleted)
	if err != nil {
		return fmt.Errorf("mark batch completed: %w", err)
	}
	return nil
}

// IncrementCounters adds to the batch's processed/failed counters in a
// single atomic update.
func (r *BatchRepo) IncrementCounters(ctx context.Context, id string, processedDelta, failedDelta int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_campaign_batches
		SET processed_count = processed_count + $2,
		    failed_count = failed_count + $3,
		    updated_at = NOW()
		WHERE id = $1
	`, id, processedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("increment batch counters: %w", err)
	}
	return nil
}

// CountOpenByCampaign returns how many of the campaign's batches are not yet
// completed.
func (r *BatchRepo) CountOpenByCampaign(ctx context.Context, campaignID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_campaign_batches
		WHERE campaign_id = $1 AND status != $2
	`, campaignID, domain.BatchCompleted).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open batches: %w", err)
	}
	return count, nil
}

// CountPendingByAccount returns the number of pending/processing batches
// whose campaign sends through the given account.
func (r *BatchRepo) CountPendingByAccount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM email_campaign_batches b
		JOIN email_campaigns c ON c.id = b.campaign_id
		WHERE c.account_id = $1 AND b.status IN ($2, $3)
	`, accountID, domain.BatchPending, domain.BatchProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending batches: %w", err)
	}
	return count, nil
}
