// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignSending, CampaignCancelled},
	CampaignScheduled: {CampaignSending, CampaignCancelled, CampaignDraft},
	CampaignSending:   {CampaignCompleted, CampaignFailed, CampaignCancelled},
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignSending, CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignCancelled
}

func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, next := range campaignTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// RecipientSource is either an explicit contact list or a segment filter
// resolved once, when the campaign starts.
type RecipientSource struct {
	ContactIDs []int          `json:"contact_ids,omitempty"`
	Segment    *SegmentFilter `json:"segment,omitempty"`
}

func (s RecipientSource) IsSegment() bool { return s.Segment != nil }

type SegmentFilter struct {
	Location         string            `json:"location,omitempty"`
	PreferredProduct string            `json:"preferred_product,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

type Campaign struct {
	ID             int             `db:"id" json:"id"`
	TenantID       string          `db:"tenant_id" json:"tenant_id"`
	SessionID      string          `db:"session_id" json:"session_id"`
	Name           string          `db:"name" json:"name"`
	Channel        string          `db:"channel" json:"channel"`
	Status         CampaignStatus  `db:"status" json:"status"`
	BaseTemplate   string          `db:"base_template" json:"base_template"`
	Source         RecipientSource `db:"recipient_source" json:"recipient_source"`
	ScheduledAt    *time.Time      `db:"scheduled_at" json:"scheduled_at,omitempty"`
	TotalCount     int             `db:"total_count" json:"total"`
	SentCount      int             `db:"sent_count" json:"sent"`
	DeliveredCount int             `db:"delivered_count" json:"delivered"`
	FailedCount    int             `db:"failed_count" json:"failed"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
	StartedAt      *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	LastProgressAt *time.Time      `db:"last_progress_at" json:"last_progress_at,omitempty"`
}

// FinalStatus is the status a campaign settles in once no recipient is in flight.
func (c *Campaign) FinalStatus() CampaignStatus {
	if c.FailedCount < c.TotalCount {
		return CampaignCompleted
	}
	return CampaignFailed
}

// CounterDelta is applied to campaign counters together with a recipient transition.
type CounterDelta struct {
	Sent      int
	Delivered int
	Failed    int
}

func (d CounterDelta) IsZero() bool {
	return d.Sent == 0 && d.Delivered == 0 && d.Failed == 0
}
