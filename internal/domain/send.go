package domain

import (
	"encoding/json"
	"time"
)

// SendStatus enumerates the lifecycle of a single recipient send.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendRetry   SendStatus = "retry"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

var sendTransitions = map[SendStatus][]SendStatus{
	SendPending: {SendRetry, SendSent, SendFailed},
	SendRetry:   {SendRetry, SendSent, SendFailed},
	SendSent:    {},
	SendFailed:  {},
}

// CanTransition reports whether a send may move from s to next.
func (s SendStatus) CanTransition(next SendStatus) bool {
	for _, allowed := range sendTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Outstanding reports whether the send still needs a delivery attempt.
func (s SendStatus) Outstanding() bool {
	return s == SendPending || s == SendRetry
}

// Send is one recipient's delivery attempt record within a batch.
type Send struct {
	ID          string          `json:"id" db:"id"`
	CampaignID  string          `json:"campaign_id" db:"campaign_id"`
	BatchID     string          `json:"batch_id" db:"batch_id"`
	AccountID   *string         `json:"account_id" db:"account_id"`
	ContactID   *int64          `json:"contact_id" db:"contact_id"`
	ClientID    *int64          `json:"client_id" db:"client_id"`
	ProspectID  *int64          `json:"prospect_id" db:"prospect_id"`
	TargetEmail string          `json:"target_email" db:"target_email"`
	TargetName  string          `json:"target_name" db:"target_name"`
	Status      SendStatus      `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	LastError   *string         `json:"last_error" db:"last_error"`
	ScheduledAt *time.Time      `json:"scheduled_at" db:"scheduled_at"`
	SentAt      *time.Time      `json:"sent_at" db:"sent_at"`
	Metadata    json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Recipient is a candidate send streamed from a recipient source while
// scheduling. Provenance fields record which source produced it.
type Recipient struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	ContactID  *int64 `json:"contact_id"`
	ClientID   *int64 `json:"client_id"`
	ProspectID *int64 `json:"prospect_id"`
	Source     string `json:"source"`
	SourceID   string `json:"source_id"`
}
