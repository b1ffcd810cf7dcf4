// internal/controller/ops_controller.go
package controller

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// SchedulerControl is the supervised scheduler as seen by the ops API.
type SchedulerControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Tick(ctx context.Context) (service.TickReport, error)
	ResumeStale(ctx context.Context) (int, error)
}

// OpsController exposes operator endpoints. They are not tenant scoped.
type OpsController struct {
	Scheduler SchedulerControl
	Campaigns service.CampaignControl
	Metrics   *metrics.Metrics
	Queues    []queue.StatsProvider
	Log       *zap.Logger
}

func (c *OpsController) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := c.Scheduler.Start(r.Context()); err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]bool{"running": c.Scheduler.Running()})
}

func (c *OpsController) StopScheduler(w http.ResponseWriter, r *http.Request) {
	if err := c.Scheduler.Stop(r.Context()); err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]bool{"running": c.Scheduler.Running()})
}

func (c *OpsController) Tick(w http.ResponseWriter, r *http.Request) {
	report, err := c.Scheduler.Tick(r.Context())
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, report)
}

func (c *OpsController) Resume(w http.ResponseWriter, r *http.Request) {
	n, err := c.Scheduler.ResumeStale(r.Context())
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]int{"resubmitted": n})
}

func (c *OpsController) CheckCompletion(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IntParam(r, "id")
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	finished, err := c.Campaigns.CheckCompletion(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "finished": finished})
}

func (c *OpsController) QueueMetrics(w http.ResponseWriter, r *http.Request) {
	handler.WriteJSON(w, http.StatusOK, c.Metrics.Snapshot(c.Queues...))
}
