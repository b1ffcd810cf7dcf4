// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// CampaignControl is the part of the Dispatcher the API drives directly.
type CampaignControl interface {
	Activate(ctx context.Context, id int) (*model.Campaign, error)
	Cancel(ctx context.Context, id int) (*model.Campaign, error)
	CheckCompletion(ctx context.Context, id int) (bool, error)
}

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	CustomerRepo repository.CustomerRepositoryInterface
	Dispatcher   CampaignControl
	Queue        queue.Queue
	Log          *zap.Logger
}

// Result struct for SendCampaign
type SendCampaignResult struct {
	CampaignID int                  `json:"campaign_id"`
	Total      int                  `json:"total"`
	Status     model.CampaignStatus `json:"status"`
	Queued     bool                 `json:"queued"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

type CreateCampaignInput struct {
	Name         string               `json:"name"`
	SessionID    string               `json:"session_id"`
	Channel      string               `json:"channel"`
	BaseTemplate string               `json:"base_template"`
	ContactIDs   []int                `json:"contact_ids"`
	Segment      *model.SegmentFilter `json:"segment"`
	ScheduledAt  *string              `json:"scheduled_at"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", appErrors.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func (s *CampaignService) CreateCampaign(ctx context.Context, tenantID string, in CreateCampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, invalid("tenant is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("name is required")
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, invalid("session_id is required")
	}
	if strings.TrimSpace(in.BaseTemplate) == "" {
		return nil, invalid("base_template cannot be empty")
	}
	if len(in.ContactIDs) > 0 && in.Segment != nil {
		return nil, invalid("use either contact_ids or segment, not both")
	}
	if len(in.ContactIDs) == 0 && in.Segment == nil {
		return nil, invalid("contact_ids or segment is required")
	}
	channel := in.Channel
	if channel == "" {
		channel = "sms"
	}

	c := &model.Campaign{
		TenantID:     tenantID,
		SessionID:    in.SessionID,
		Name:         in.Name,
		Channel:      channel,
		BaseTemplate: in.BaseTemplate,
		Source:       model.RecipientSource{ContactIDs: in.ContactIDs, Segment: in.Segment},
		Status:       model.CampaignDraft,
	}

	if in.ScheduledAt != nil && *in.ScheduledAt != "" {
		// parse scheduledAt string into time.Time
		t, err := time.Parse(time.RFC3339, *in.ScheduledAt)
		if err != nil {
			return nil, invalid("scheduled_at must be RFC3339: %v", err)
		}
		t = t.UTC()
		c.ScheduledAt = &t
		c.Status = model.CampaignScheduled
	}

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Log.Info("campaign created",
		zap.Int("campaign_id", c.ID),
		zap.String("tenant_id", tenantID),
		zap.String("status", string(c.Status)),
		zap.Strings("placeholders", Placeholders(c.BaseTemplate)))
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID string, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if status != "" && !model.CampaignStatus(status).Valid() {
		return nil, nil, invalid("unknown status %q", status)
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, tenantID, offset, pageSize, channel, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaign returns the campaign when it belongs to the tenant.
func (s *CampaignService) GetCampaign(ctx context.Context, tenantID string, id int) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, tenantID string, id int) (*CampaignDetails, error) {
	c, err := s.GetCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.CampaignRepo.GetCampaignStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

// RenderPreview renders the campaign template, or an override, for one contact.
func (s *CampaignService) RenderPreview(ctx context.Context, tenantID string, campaignID, customerID int, overrideTemplate *string) (string, error) {
	campaign, err := s.GetCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return "", err
	}

	customer, err := s.CustomerRepo.GetByID(ctx, customerID)
	if err != nil {
		return "", err
	}
	if customer == nil || customer.TenantID != tenantID {
		return "", invalid("customer %d not found", customerID)
	}

	template := campaign.BaseTemplate
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		template = *overrideTemplate
	}

	return RenderTemplate(template, customer.Fields())
}

// SendCampaign activates the campaign now and queues its dispatch pass.
func (s *CampaignService) SendCampaign(ctx context.Context, tenantID string, id int) (*SendCampaignResult, error) {
	if _, err := s.GetCampaign(ctx, tenantID, id); err != nil {
		return nil, err
	}
	c, err := s.Dispatcher.Activate(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &SendCampaignResult{CampaignID: id, Total: c.TotalCount, Status: c.Status}
	if err := EnqueueDispatch(ctx, s.Queue, id, ActionResume); err != nil {
		// Activated but not queued: the resume sweep picks it up once it is stale.
		s.Log.Error("failed to enqueue campaign dispatch", zap.Int("campaign_id", id), zap.Error(err))
		return result, nil
	}
	result.Queued = true
	return result, nil
}

func (s *CampaignService) CancelCampaign(ctx context.Context, tenantID string, id int) (*model.Campaign, error) {
	if _, err := s.GetCampaign(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.Dispatcher.Cancel(ctx, id)
}
