// internal/controller/webhook_controller.go
package controller

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/webhook"
)

type WebhookController struct {
	Router *webhook.Router
	Log    *zap.Logger
}

func (c *WebhookController) Register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL        string            `json:"url"`
		Secret     string            `json:"secret"`
		Events     []model.EventType `json:"events"`
		RetryCount *int              `json:"retry_count"`
		TimeoutMs  int               `json:"timeout_ms"`
	}
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	// An omitted retry_count gets the default; an explicit 0 disables retries.
	retries := webhook.DefaultRetryCount
	if body.RetryCount != nil {
		retries = *body.RetryCount
	}
	reg := &model.WebhookRegistration{
		URL:        body.URL,
		Secret:     body.Secret,
		Events:     body.Events,
		RetryCount: retries,
		TimeoutMs:  body.TimeoutMs,
	}
	if err := c.Router.RegisterWebhook(r.Context(), handler.TenantID(r.Context()), reg); err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, reg)
}

func (c *WebhookController) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IntParam(r, "id")
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	stats, err := c.Router.GetWebhookStats(r.Context(), handler.TenantID(r.Context()), id, handler.QueryInt(r, "recent", 0))
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, stats)
}
