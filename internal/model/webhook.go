// internal/model/webhook.go
package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventRecipientSent      EventType = "recipient.sent"
	EventRecipientFailed    EventType = "recipient.failed"
	EventRecipientDelivered EventType = "recipient.delivered"
	EventRecipientRead      EventType = "recipient.read"
	EventCampaignStarted    EventType = "campaign.started"
	EventCampaignCompleted  EventType = "campaign.completed"
	EventCampaignFailed     EventType = "campaign.failed"
	EventCampaignCancelled  EventType = "campaign.cancelled"

	// EventWildcard subscribes a registration to every event type.
	EventWildcard EventType = "*"
)

// Event is an internal state change published to webhook registrations.
type Event struct {
	ID        string    `json:"-"`
	Type      EventType `json:"type"`
	TenantID  string    `json:"tenantId"`
	SessionID string    `json:"sessionId,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type WebhookRegistration struct {
	ID         int         `db:"id" json:"id"`
	TenantID   string      `db:"tenant_id" json:"tenant_id"`
	URL        string      `db:"url" json:"url"`
	Secret     string      `db:"secret" json:"-"`
	Events     []EventType `db:"events" json:"events"`
	RetryCount int         `db:"retry_count" json:"retry_count"`
	TimeoutMs  int         `db:"timeout_ms" json:"timeout_ms"`
	Active     bool        `db:"active" json:"active"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

func (w *WebhookRegistration) Subscribed(t EventType) bool {
	for _, e := range w.Events {
		if e == t || e == EventWildcard {
			return true
		}
	}
	return false
}

type WebhookDeliveryLog struct {
	ID         int             `db:"id" json:"id"`
	WebhookID  int             `db:"webhook_id" json:"webhook_id"`
	EventID    string          `db:"event_id" json:"event_id"`
	EventType  EventType       `db:"event_type" json:"event_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Attempt    int             `db:"attempt" json:"attempt"`
	Success    bool            `db:"success" json:"success"`
	StatusCode int             `db:"status_code" json:"status_code"`
	Error      string          `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type WebhookStats struct {
	WebhookID int                   `json:"webhook_id"`
	Success   int                   `json:"success"`
	Failure   int                   `json:"failure"`
	Recent    []*WebhookDeliveryLog `json:"recent"`
}
