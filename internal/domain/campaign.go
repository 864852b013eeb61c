package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignReady     CampaignStatus = "ready"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignPaused    CampaignStatus = "paused"
)

// campaignTransitions maps each status to the statuses it may move to.
// Transitions are forward-only except for the explicit pause/resume pair.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignReady, CampaignScheduled, CampaignPaused},
	CampaignReady:     {CampaignScheduled, CampaignPaused},
	CampaignScheduled: {CampaignSending, CampaignPaused},
	CampaignSending:   {CampaignCompleted, CampaignPaused},
	CampaignPaused:    {CampaignReady, CampaignScheduled},
	CampaignCompleted: {},
}

// CanTransition reports whether a campaign may move from s to next.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Schedulable reports whether a campaign in this status may be (re)scheduled.
func (s CampaignStatus) Schedulable() bool {
	return s == CampaignDraft || s == CampaignPaused || s == CampaignReady
}

// SourceType identifies where a campaign's recipients come from.
type SourceType string

const (
	SourceList     SourceType = "list"
	SourceSegment  SourceType = "segment"
	SourceProspect SourceType = "prospect"
)

// Campaign is a marketing send definition: message content plus a recipient
// source and the sending account that will deliver it.
type Campaign struct {
	ID             string            `json:"id" db:"id"`
	Name           string            `json:"name" db:"name"`
	Status         CampaignStatus    `json:"status" db:"status"`
	SourceType     SourceType        `json:"source_type" db:"source_type"`
	ListID         *string           `json:"list_id" db:"list_id"`
	SegmentID      *string           `json:"segment_id" db:"segment_id"`
	ProspectFilter string            `json:"prospect_filter" db:"prospect_filter"`
	AccountID      *string           `json:"account_id" db:"account_id"`
	Subject        string            `json:"subject" db:"subject"`
	HTMLBody       string            `json:"html_body" db:"html_body"`
	TextBody       string            `json:"text_body" db:"text_body"`
	Headers        map[string]string `json:"headers" db:"headers"`
	ScheduledFor   *time.Time        `json:"scheduled_for" db:"scheduled_for"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// HasContent reports whether the campaign carries a usable message body.
func (c *Campaign) HasContent() bool {
	return c.Subject != "" && (c.HTMLBody != "" || c.TextBody != "")
}
