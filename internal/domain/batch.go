package domain

import "time"

// BatchStatus enumerates the lifecycle of a dispatch batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchPending:    {BatchProcessing, BatchCompleted},
	BatchProcessing: {BatchCompleted},
	BatchCompleted:  {},
}

// CanTransition reports whether a batch may move from s to next.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Batch is a fixed-size partition of a campaign's recipients, created at
// schedule time. Counters satisfy the invariant
// processed_count + outstanding(pending|retry sends) == total_recipients.
type Batch struct {
	ID              string      `json:"id" db:"id"`
	CampaignID      string      `json:"campaign_id" db:"campaign_id"`
	Status          BatchStatus `json:"status" db:"status"`
	TotalRecipients int         `json:"total_recipients" db:"total_recipients"`
	ProcessedCount  int         `json:"processed_count" db:"processed_count"`
	FailedCount     int         `json:"failed_count" db:"failed_count"`
	ScheduledFor    *time.Time  `json:"scheduled_for" db:"scheduled_for"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}
