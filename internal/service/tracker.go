// internal/service/tracker.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/transport"
)

const (
	recordStatusAttempts = 3
	defaultFailedLimit   = 50
	maxFailedLimit       = 500
)

// Tracker applies provider delivery callbacks to recipients and answers
// delivery statistics queries.
type Tracker struct {
	Recipients repository.RecipientRepositoryInterface
	Campaigns  repository.CampaignRepositoryInterface
	Events     EventPublisher
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

func NewTracker(recipients repository.RecipientRepositoryInterface, campaigns repository.CampaignRepositoryInterface, events EventPublisher, m *metrics.Metrics, log *zap.Logger) *Tracker {
	if events == nil {
		events = nopPublisher{}
	}
	return &Tracker{Recipients: recipients, Campaigns: campaigns, Events: events, Metrics: m, Log: log}
}

// RecordResult says what a callback did to the recipient.
type RecordResult struct {
	RecipientID int                   `json:"recipient_id"`
	CampaignID  int                   `json:"campaign_id"`
	Previous    model.RecipientStatus `json:"previous_status"`
	Status      model.RecipientStatus `json:"status"`
	Applied     bool                  `json:"applied"`
}

// RecordStatus moves the recipient with the given provider message ID to
// status. Callbacks that would regress or revisit a status are accepted and
// ignored, so duplicated or reordered callbacks are safe. A sent callback
// normally arrives after the dispatcher already recorded the send.
func (t *Tracker) RecordStatus(ctx context.Context, providerMessageID string, status model.RecipientStatus, at time.Time) (RecordResult, error) {
	switch status {
	case model.RecipientSent, model.RecipientDelivered, model.RecipientRead, model.RecipientFailed:
	default:
		return RecordResult{}, fmt.Errorf("%w: callback status %q", appErrors.ErrInvalidInput, status)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	for attempt := 0; attempt < recordStatusAttempts; attempt++ {
		rec, err := t.Recipients.GetByProviderMessageID(ctx, providerMessageID)
		if err != nil {
			return RecordResult{}, err
		}
		res := RecordResult{RecipientID: rec.ID, CampaignID: rec.CampaignID, Previous: rec.Status, Status: rec.Status}
		if !rec.Status.CanTransition(status) {
			t.Metrics.Callback(string(status), false)
			return res, nil
		}

		patch := model.RecipientPatch{At: at}
		if status == model.RecipientFailed {
			patch.ErrorMessage = "provider reported delivery failure"
		}
		ok, err := t.Recipients.Transition(ctx, model.RecipientTransition{
			RecipientID: rec.ID,
			CampaignID:  rec.CampaignID,
			From:        rec.Status,
			To:          status,
			Patch:       patch,
		})
		if err != nil {
			return RecordResult{}, fmt.Errorf("record %s for %s: %w", status, providerMessageID, err)
		}
		if !ok {
			// Another callback won; re-read and decide again.
			continue
		}

		res.Status = status
		res.Applied = true
		t.Metrics.Callback(string(status), true)
		rec.Status = status
		if status == model.RecipientFailed {
			rec.ErrorMessage = patch.ErrorMessage
		}
		t.emit(ctx, rec)
		return res, nil
	}
	return RecordResult{}, fmt.Errorf("record %s for %s: recipient kept changing", status, providerMessageID)
}

func (t *Tracker) emit(ctx context.Context, rec *model.Recipient) {
	et, ok := recipientEventType(rec.Status)
	if !ok {
		return
	}
	sessionID := ""
	if c, err := t.Campaigns.GetByID(ctx, rec.CampaignID); err == nil {
		sessionID = c.SessionID
	}
	e := newEvent(et, rec.TenantID, sessionID, recipientEventData{
		CampaignID:        rec.CampaignID,
		RecipientID:       rec.ID,
		ContactID:         rec.ContactID,
		Address:           rec.Address,
		Status:            rec.Status,
		ProviderMessageID: rec.ProviderMessageID,
		Error:             rec.ErrorMessage,
	})
	if err := t.Events.RouteEvent(ctx, e); err != nil {
		t.Log.Warn("failed to route event", zap.String("type", string(et)), zap.Error(err))
	}
}

// Consume applies delivery reports until the channel closes or ctx is done.
func (t *Tracker) Consume(ctx context.Context, reports <-chan transport.DeliveryReport) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-reports:
			if !ok {
				return
			}
			if _, err := t.RecordStatus(ctx, r.ProviderMessageID, r.Status, r.At); err != nil {
				t.Log.Warn("delivery report not applied",
					zap.String("provider_message_id", r.ProviderMessageID),
					zap.String("status", string(r.Status)),
					zap.Error(err))
			}
		}
	}
}

// DeliveryTimeline is the ordered status history of one message.
type DeliveryTimeline struct {
	ProviderMessageID string                `json:"provider_message_id"`
	CampaignID        int                   `json:"campaign_id"`
	Status            model.RecipientStatus `json:"status"`
	Error             string                `json:"error,omitempty"`
	Entries           []model.TimelineEntry `json:"entries"`
}

func (t *Tracker) GetDeliveryTimeline(ctx context.Context, providerMessageID string) (*DeliveryTimeline, error) {
	rec, err := t.Recipients.GetByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		return nil, err
	}
	return &DeliveryTimeline{
		ProviderMessageID: providerMessageID,
		CampaignID:        rec.CampaignID,
		Status:            rec.Status,
		Error:             rec.ErrorMessage,
		Entries:           rec.Timeline(),
	}, nil
}

func (t *Tracker) GetDeliveryStats(ctx context.Context, tenantID string, tr model.TimeRange) ([]model.DeliveryStats, error) {
	if tr.Bucket == "" {
		tr.Bucket = model.BucketDay
	}
	if _, ok := model.ParseStatsBucket(string(tr.Bucket)); !ok {
		return nil, fmt.Errorf("%w: bucket %q", appErrors.ErrInvalidInput, tr.Bucket)
	}
	if tr.To.IsZero() {
		tr.To = time.Now().UTC()
	}
	if tr.From.IsZero() {
		tr.From = tr.To.AddDate(0, 0, -7)
	}
	if !tr.From.Before(tr.To) {
		return nil, fmt.Errorf("%w: from must be before to", appErrors.ErrInvalidInput)
	}
	return t.Recipients.DeliveryStats(ctx, tenantID, tr)
}

func (t *Tracker) GetFailedMessages(ctx context.Context, tenantID string, limit int) ([]*model.Recipient, error) {
	if limit <= 0 {
		limit = defaultFailedLimit
	}
	if limit > maxFailedLimit {
		limit = maxFailedLimit
	}
	return t.Recipients.ListFailed(ctx, tenantID, limit)
}

// IsUnknownMessage reports whether err came from a callback for a message we never sent.
func IsUnknownMessage(err error) bool {
	var nf *appErrors.ErrRecipientNotFound
	return errors.As(err, &nf)
}
