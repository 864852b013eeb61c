// Package mailer contains the delivery transports and the message encoder.
// Transports are dumb pipes: they accept a prebuilt raw payload plus a
// recipient envelope and report failure without retrying — retry policy is
// owned by the dispatch service.
package mailer

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Envelope is the SMTP-level sender/recipient pair for one delivery.
type Envelope struct {
	From string
	To   string
}

// Transport delivers one prebuilt raw message. Implementations must not
// retry internally.
type Transport interface {
	Send(ctx context.Context, env Envelope, raw []byte) error
}

// Message is the fully-resolved content for one recipient, ready for the
// MIME encoder. Header maps are already merged (account headers overlaid by
// campaign headers).
type Message struct {
	FromEmail string
	FromName  string
	ToEmail   string
	ToName    string
	ReplyTo   string
	Subject   string
	HTMLBody  string
	TextBody  string
	Headers   map[string]string
}

// NewTransport builds the transport for a sending account based on its
// provider. SMTP is the default; accounts with provider "ses" deliver
// through the SES v2 API.
func NewTransport(account *domain.SendingAccount) (Transport, error) {
	switch account.Provider {
	case domain.ProviderSES:
		return NewSESTransport(account.AWSAccessKey, account.AWSSecretKey, account.AWSRegion)
	case domain.ProviderSMTP, "":
		return NewSMTPTransport(SMTPConfig{
			Host:       account.Host,
			Port:       account.Port,
			Encryption: account.Encryption,
			AuthMode:   account.AuthMode,
			Username:   account.Username,
			Password:   account.Password,
		})
	default:
		return nil, fmt.Errorf("unsupported provider: %s", account.Provider)
	}
}

// MergeHeaders overlays campaign headers on top of account headers.
func MergeHeaders(account, campaign map[string]string) map[string]string {
	if len(account) == 0 && len(campaign) == 0 {
		return nil
	}
	merged := make(map[string]string, len(account)+len(campaign))
	for k, v := range account {
		merged[k] = v
	}
	for k, v := range campaign {
		merged[k] = v
	}
	return merged
}
