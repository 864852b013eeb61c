package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository"
)

// RecipientSource streams campaign recipients from the configured source
// (audience list, segment, or prospect pool) in primary-key-ordered pages.
// Keyset pagination (id > last seen) guarantees no row is skipped or
// repeated across page boundaries even while the source table grows.
type RecipientSource struct{ db *sql.DB }

// NewRecipientSource creates a Postgres-backed recipient source.
func NewRecipientSource(db *sql.DB) *RecipientSource { return &RecipientSource{db: db} }

// Pager yields recipient pages until exhaustion (empty page, nil error).
type Pager interface {
	NextPage(ctx context.Context) ([]domain.Recipient, error)
}

// Open resolves the campaign's recipient source and returns a pager over it.
func (s *RecipientSource) Open(campaign *domain.Campaign, pageSize int) (Pager, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	switch {
	case campaign.SourceType == domain.SourceSegment && campaign.SegmentID != nil:
		return &contactPager{db: s.db, pageSize: pageSize, query: segmentPageQuery,
			arg: *campaign.SegmentID, source: "segment"}, nil
	case campaign.SourceType == domain.SourceProspect && campaign.ProspectFilter != "":
		return &prospectPager{db: s.db, pageSize: pageSize, filter: campaign.ProspectFilter}, nil
	case campaign.ListID != nil:
		return &contactPager{db: s.db, pageSize: pageSize, query: listPageQuery,
			arg: *campaign.ListID, source: "list"}, nil
	}
	return nil, repository.ErrNotFound
}

const listPageQuery = `
	SELECT c.id, COALESCE(c.first_name, ''), COALESCE(c.last_name, ''), c.email
	FROM audience_list_contacts lc
	JOIN marketing_contacts c ON c.id = lc.contact_id
	WHERE lc.list_id = $1
	  AND lc.subscription_status = 'subscribed'
	  AND c.status = 'active'
	  AND c.id > $2
	ORDER BY c.id
	LIMIT $3`

const segmentPageQuery = `
	SELECT c.id, COALESCE(c.first_name, ''), COALESCE(c.last_name, ''), c.email
	FROM marketing_segment_contacts sc
	JOIN marketing_contacts c ON c.id = sc.contact_id
	WHERE sc.segment_id = $1
	  AND c.status = 'active'
	  AND c.id > $2
	ORDER BY c.id
	LIMIT $3`

type contactPager struct {
	db       *sql.DB
	query    string
	arg      string
	source   string
	pageSize int
	lastID   int64
}

func (p *contactPager) NextPage(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := p.db.QueryContext(ctx, p.query, p.arg, p.lastID, p.pageSize)
	if err != nil {
		return nil, fmt.Errorf("page %s recipients: %w", p.source, err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var id int64
		var first, last, email string
		if err := rows.Scan(&id, &first, &last, &email); err != nil {
			return nil, fmt.Errorf("scan %s recipient: %w", p.source, err)
		}
		p.lastID = id

		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
		if name == "" {
			name = email
		}
		contactID := id
		out = append(out, domain.Recipient{
			Email:     strings.ToLower(email),
			Name:      name,
			ContactID: &contactID,
			Source:    p.source,
			SourceID:  p.arg,
		})
	}
	return out, rows.Err()
}

type prospectPager struct {
	db       *sql.DB
	filter   string
	pageSize int
	lastID   int64
}

func (p *prospectPager) NextPage(ctx context.Context) ([]domain.Recipient, error) {
	query := `
		SELECT pr.id, pr.email, COALESCE(pr.company_name, '')
		FROM marketing_prospects pr
		WHERE pr.email IS NOT NULL AND pr.email != ''
		  AND pr.id > $1`
	args := []interface{}{p.lastID}
	if strings.TrimSpace(p.filter) != "" && p.filter != "all" {
		query += ` AND pr.filter_key = $2
		ORDER BY pr.id LIMIT $3`
		args = append(args, p.filter, p.pageSize)
	} else {
		query += `
		ORDER BY pr.id LIMIT $2`
		args = append(args, p.pageSize)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page prospect recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var id int64
		var email, company string
		if err := rows.Scan(&id, &email, &company); err != nil {
			return nil, fmt.Errorf("scan prospect recipient: %w", err)
		}
		p.lastID = id

		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		name := strings.TrimSpace(company)
		if name == "" {
			name = email
		}
		prospectID := id
		out = append(out, domain.Recipient{
			Email:      strings.ToLower(email),
			Name:       name,
			ProspectID: &prospectID,
			Source:     "prospect",
			SourceID:   p.filter,
		})
	}
	return out, rows.Err()
}
