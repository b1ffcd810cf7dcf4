// internal/controller/delivery_controller.go
package controller

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// DeliveryController serves provider callbacks and delivery reporting.
type DeliveryController struct {
	Tracker *service.Tracker
	Log     *zap.Logger
}

// Callback applies a provider delivery report. Unknown message ids answer
// 404 so the provider retries once the send has been recorded.
func (c *DeliveryController) Callback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProviderMessageID string    `json:"provider_message_id"`
		Status            string    `json:"status"`
		Timestamp         time.Time `json:"timestamp"`
	}
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	if body.ProviderMessageID == "" {
		handler.WriteError(w, c.Log, fmt.Errorf("%w: provider_message_id is required", appErrors.ErrInvalidInput))
		return
	}
	status, ok := model.ParseRecipientStatus(body.Status)
	if !ok {
		handler.WriteError(w, c.Log, fmt.Errorf("%w: unknown status %q", appErrors.ErrInvalidInput, body.Status))
		return
	}
	if body.Timestamp.IsZero() {
		body.Timestamp = time.Now().UTC()
	}

	res, err := c.Tracker.RecordStatus(r.Context(), body.ProviderMessageID, status, body.Timestamp)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, res)
}

func (c *DeliveryController) Timeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := c.Tracker.GetDeliveryTimeline(r.Context(), chi.URLParam(r, "providerMessageID"))
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, timeline)
}

func (c *DeliveryController) DeliveryStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var tr model.TimeRange
	var err error
	if v := q.Get("from"); v != "" {
		if tr.From, err = time.Parse(time.RFC3339, v); err != nil {
			handler.WriteError(w, c.Log, fmt.Errorf("%w: from must be RFC3339", appErrors.ErrInvalidInput))
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if tr.To, err = time.Parse(time.RFC3339, v); err != nil {
			handler.WriteError(w, c.Log, fmt.Errorf("%w: to must be RFC3339", appErrors.ErrInvalidInput))
			return
		}
	}
	tr.Bucket = model.StatsBucket(q.Get("bucket"))

	stats, err := c.Tracker.GetDeliveryStats(r.Context(), handler.TenantID(r.Context()), tr)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": stats})
}

func (c *DeliveryController) FailedMessages(w http.ResponseWriter, r *http.Request) {
	failed, err := c.Tracker.GetFailedMessages(r.Context(), handler.TenantID(r.Context()), handler.QueryInt(r, "limit", 0))
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": failed})
}
