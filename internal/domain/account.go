package domain

import "time"

// Provider identifies the delivery mechanism for a sending account.
type Provider string

const (
	ProviderSMTP Provider = "smtp"
	ProviderSES  Provider = "ses"
)

// Encryption enumerates SMTP channel security modes.
type Encryption string

const (
	EncryptionNone Encryption = "none"
	EncryptionSSL  Encryption = "ssl"
	EncryptionTLS  Encryption = "tls"
)

// SendingAccount is an SMTP (or SES) identity with per-account send limits.
// Accounts are owned by external configuration; the dispatch pipeline only
// reads them. A limit of 0 means unlimited.
type SendingAccount struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Status     string     `json:"status" db:"status"`
	Provider   Provider   `json:"provider" db:"provider"`
	Host       string     `json:"host" db:"host"`
	Port       int        `json:"port" db:"port"`
	Encryption Encryption `json:"encryption" db:"encryption"`
	AuthMode   string     `json:"auth_mode" db:"auth_mode"`
	Username   string     `json:"-" db:"username"`
	Password   string     `json:"-" db:"password"`

	// SES provider credentials (unused for plain SMTP accounts).
	AWSRegion    string `json:"-" db:"aws_region"`
	AWSAccessKey string `json:"-" db:"aws_access_key"`
	AWSSecretKey string `json:"-" db:"aws_secret_key"`

	FromEmail string            `json:"from_email" db:"from_email"`
	FromName  string            `json:"from_name" db:"from_name"`
	ReplyTo   string            `json:"reply_to" db:"reply_to"`
	Headers   map[string]string `json:"headers" db:"headers"`

	HourlyLimit int `json:"hourly_limit" db:"hourly_limit"`
	DailyLimit  int `json:"daily_limit" db:"daily_limit"`
	BurstLimit  int `json:"burst_limit" db:"burst_limit"`

	IMAPSyncEnabled bool       `json:"imap_sync_enabled" db:"imap_sync_enabled"`
	IMAPLastSyncAt  *time.Time `json:"imap_last_sync_at" db:"imap_last_sync_at"`
}

// RateLimitState is the per-account send counter row. The hourly counter
// resets when now-WindowStart >= 1h; the daily counter resets when
// now-LastResetAt >= 24h. Rows are created lazily on first dispatch.
type RateLimitState struct {
	AccountID   string    `json:"account_id" db:"account_id"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	HourlySent  int       `json:"hourly_sent" db:"hourly_sent"`
	DailySent   int       `json:"daily_sent" db:"daily_sent"`
	LastResetAt time.Time `json:"last_reset_at" db:"last_reset_at"`
}

// HourlyWindowExpired reports whether the hourly window should be reset.
func (s *RateLimitState) HourlyWindowExpired(now time.Time) bool {
	return now.Sub(s.WindowStart) >= time.Hour
}

// DailyWindowExpired reports whether the daily counter should be reset.
func (s *RateLimitState) DailyWindowExpired(now time.Time) bool {
	return s.LastResetAt.IsZero() || now.Sub(s.LastResetAt) >= 24*time.Hour
}
