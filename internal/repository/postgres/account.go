package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository"
)

// AccountRepo reads sending account configuration. Accounts are owned by
// external configuration screens; this subsystem never writes them.
type AccountRepo struct{ db *sql.DB }

// NewAccountRepo creates a Postgres-backed sending account repository.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `
	id, name, status, provider, COALESCE(host, ''), COALESCE(port, 587),
	COALESCE(encryption, 'tls'), COALESCE(auth_mode, 'login'),
	COALESCE(username, ''), COALESCE(password, ''),
	COALESCE(aws_region, ''), COALESCE(aws_access_key, ''), COALESCE(aws_secret_key, ''),
	COALESCE(from_email, ''), COALESCE(from_name, ''), COALESCE(reply_to, ''),
	headers, COALESCE(hourly_limit, 0), COALESCE(daily_limit, 0), COALESCE(burst_limit, 0),
	COALESCE(imap_sync_enabled, false), imap_last_sync_at`

func scanAccount(row *sql.Row) (*domain.SendingAccount, error) {
	a := &domain.SendingAccount{}
	var headers []byte
	err := row.Scan(
		&a.ID, &a.Name, &a.Status, &a.Provider, &a.Host, &a.Port,
		&a.Encryption, &a.AuthMode,
		&a.Username, &a.Password,
		&a.AWSRegion, &a.AWSAccessKey, &a.AWSSecretKey,
		&a.FromEmail, &a.FromName, &a.ReplyTo,
		&headers, &a.HourlyLimit, &a.DailyLimit, &a.BurstLimit,
		&a.IMAPSyncEnabled, &a.IMAPLastSyncAt,
	)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if len(headers) > 0 {
		json.Unmarshal(headers, &a.Headers)
	}
	return a, nil
}

// Find returns one sending account by id.
func (r *AccountRepo) Find(ctx context.Context, id string) (*domain.SendingAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// FindActiveSender returns any active account, used when a campaign has no
// explicit sending account.
func (r *AccountRepo) FindActiveSender(ctx context.Context) (*domain.SendingAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE status = 'active' ORDER BY id LIMIT 1`)
	return scanAccount(row)
}

// All returns every configured sending account, for health summaries.
func (r *AccountRepo) All(ctx context.Context) ([]domain.SendingAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.SendingAccount
	for rows.Next() {
		a := domain.SendingAccount{}
		var headers []byte
		if err := rows.Scan(
			&a.ID, &a.Name, &a.Status, &a.Provider, &a.Host, &a.Port,
			&a.Encryption, &a.AuthMode,
			&a.Username, &a.Password,
			&a.AWSRegion, &a.AWSAccessKey, &a.AWSSecretKey,
			&a.FromEmail, &a.FromName, &a.ReplyTo,
			&headers, &a.HourlyLimit, &a.DailyLimit, &a.BurstLimit,
			&a.IMAPSyncEnabled, &a.IMAPLastSyncAt,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if len(headers) > 0 {
			json.Unmarshal(headers, &a.Headers)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
