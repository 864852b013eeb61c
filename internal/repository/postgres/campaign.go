package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository"
)

// CampaignRepo implements campaign data access against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

// Find returns a single campaign by id.
func (r *CampaignRepo) Find(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var headers []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, status, source_type,
		       list_id, segment_id, COALESCE(prospect_filter, ''),
		       account_id, COALESCE(subject, ''),
		       COALESCE(html_body, ''), COALESCE(text_body, ''),
		       headers, scheduled_for, created_at, updated_at
		FROM email_campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.Name, &c.Status, &c.SourceType,
		&c.ListID, &c.SegmentID, &c.ProspectFilter,
		&c.AccountID, &c.Subject,
		&c.HTMLBody, &c.TextBody,
		&headers, &c.ScheduledFor, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find campaign: %w", err)
	}
	if len(headers) > 0 {
		json.Unmarshal(headers, &c.Headers)
	}
	return c, nil
}

// UpdateStatus transitions a campaign from one status to another. The update
// is guarded on the current status so concurrent writers cannot race past
// the state machine; an update that matches no row reports
// repository.ErrInvalidTransition.
func (r *CampaignRepo) UpdateStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	if !from.CanTransition(to) {
		return repository.ErrInvalidTransition
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE email_campaigns
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repository.ErrInvalidTransition
	}
	return nil
}
