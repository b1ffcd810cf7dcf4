// internal/service/events.go
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// EventPublisher hands events to the webhook router. Implementations must
// not block on delivery.
type EventPublisher interface {
	RouteEvent(ctx context.Context, e model.Event) error
}

type nopPublisher struct{}

func (nopPublisher) RouteEvent(context.Context, model.Event) error { return nil }

func newEvent(t model.EventType, tenantID, sessionID string, data any) model.Event {
	return model.Event{
		ID:        uuid.NewString(),
		Type:      t,
		TenantID:  tenantID,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

type recipientEventData struct {
	CampaignID        int                   `json:"campaignId"`
	RecipientID       int                   `json:"recipientId"`
	ContactID         int                   `json:"contactId"`
	Address           string                `json:"address"`
	Status            model.RecipientStatus `json:"status"`
	ProviderMessageID string                `json:"providerMessageId,omitempty"`
	Error             string                `json:"error,omitempty"`
}

type campaignEventData struct {
	CampaignID int                  `json:"campaignId"`
	Name       string               `json:"name"`
	Status     model.CampaignStatus `json:"status"`
	Total      int                  `json:"total"`
	Sent       int                  `json:"sent"`
	Delivered  int                  `json:"delivered"`
	Failed     int                  `json:"failed"`
}

func campaignData(c *model.Campaign) campaignEventData {
	return campaignEventData{
		CampaignID: c.ID,
		Name:       c.Name,
		Status:     c.Status,
		Total:      c.TotalCount,
		Sent:       c.SentCount,
		Delivered:  c.DeliveredCount,
		Failed:     c.FailedCount,
	}
}

func recipientEventType(s model.RecipientStatus) (model.EventType, bool) {
	switch s {
	case model.RecipientSent:
		return model.EventRecipientSent, true
	case model.RecipientDelivered:
		return model.EventRecipientDelivered, true
	case model.RecipientRead:
		return model.EventRecipientRead, true
	case model.RecipientFailed:
		return model.EventRecipientFailed, true
	}
	return "", false
}

func campaignEventType(s model.CampaignStatus) (model.EventType, bool) {
	switch s {
	case model.CampaignSending:
		return model.EventCampaignStarted, true
	case model.CampaignCompleted:
		return model.EventCampaignCompleted, true
	case model.CampaignFailed:
		return model.EventCampaignFailed, true
	case model.CampaignCancelled:
		return model.EventCampaignCancelled, true
	}
	return "", false
}
