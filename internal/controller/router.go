// internal/controller/router.go
package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
)

// Controllers groups everything the HTTP router serves.
type Controllers struct {
	Campaigns *CampaignController
	Delivery  *DeliveryController
	Webhooks  *WebhookController
	Ops       *OpsController

	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

func NewRouter(c Controllers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(handler.RequestLogger(c.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", handler.TenantHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if c.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{}))
	}

	// Provider callbacks identify the message, not the tenant.
	r.Post("/callbacks/delivery", c.Delivery.Callback)
	r.Get("/messages/{providerMessageID}/timeline", c.Delivery.Timeline)

	r.Group(func(r chi.Router) {
		r.Use(handler.RequireTenant(c.Log))

		// Campaign routes
		r.Post("/campaigns", c.Campaigns.CreateCampaign)
		r.Get("/campaigns", c.Campaigns.ListCampaigns)
		r.Get("/campaigns/{id}", c.Campaigns.GetCampaignDetails)
		r.Post("/campaigns/{id}/send", c.Campaigns.SendCampaign)
		r.Post("/campaigns/{id}/cancel", c.Campaigns.CancelCampaign)
		r.Post("/campaigns/{id}/personalized-preview", c.Campaigns.PersonalizedPreview)

		r.Get("/stats/delivery", c.Delivery.DeliveryStats)
		r.Get("/stats/failed", c.Delivery.FailedMessages)

		r.Post("/webhooks", c.Webhooks.Register)
		r.Get("/webhooks/{id}/stats", c.Webhooks.Stats)
	})

	r.Route("/ops", func(r chi.Router) {
		r.Post("/scheduler/start", c.Ops.StartScheduler)
		r.Post("/scheduler/stop", c.Ops.StopScheduler)
		r.Post("/scheduler/tick", c.Ops.Tick)
		r.Post("/scheduler/resume", c.Ops.Resume)
		r.Post("/campaigns/{id}/check-completion", c.Ops.CheckCompletion)
		r.Get("/metrics", c.Ops.QueueMetrics)
	})

	return r
}
