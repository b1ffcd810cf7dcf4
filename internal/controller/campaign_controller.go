// internal/controller/campaign_controller.go
package controller

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *zap.Logger
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	campaignID, err := handler.IntParam(r, "id")
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	var body struct {
		CustomerID       int     `json:"customer_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), handler.TenantID(r.Context()), campaignID, body.CustomerID, body.OverrideTemplate)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"customer_id":      body.CustomerID,
	})
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), handler.TenantID(r.Context()), body)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page := handler.QueryInt(r, "page", 1)
	pageSize := handler.QueryInt(r, "page_size", 20)
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), handler.TenantID(r.Context()), page, pageSize, channel, status)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IntParam(r, "id")
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), handler.TenantID(r.Context()), id)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, details)
}

// SendCampaign activates the campaign and returns 202 once its pass is queued.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IntParam(r, "id")
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	result, err := c.CampaignService.SendCampaign(r.Context(), handler.TenantID(r.Context()), id)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IntParam(r, "id")
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	campaign, err := c.CampaignService.CancelCampaign(r.Context(), handler.TenantID(r.Context()), id)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, campaign)
}
