package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

const (
	DefaultRetryCount = 3
	DefaultTimeoutMs  = 5000
	defaultRecent     = 20
)

var knownEvents = map[model.EventType]bool{
	model.EventRecipientSent:      true,
	model.EventRecipientFailed:    true,
	model.EventRecipientDelivered: true,
	model.EventRecipientRead:      true,
	model.EventCampaignStarted:    true,
	model.EventCampaignCompleted:  true,
	model.EventCampaignFailed:     true,
	model.EventCampaignCancelled:  true,
	model.EventWildcard:           true,
}

type Config struct {
	// RPS caps outbound webhook requests across all registrations.
	RPS int
}

// Router fans internal events out to the webhook registrations of a tenant.
// Every registration gets its own delivery job so a slow or dead endpoint
// only delays itself.
type Router struct {
	Webhooks repository.WebhookRepositoryInterface
	Queue    queue.Queue
	Client   *http.Client
	Limiter  *rate.Limiter
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

func NewRouter(webhooks repository.WebhookRepositoryInterface, q queue.Queue, m *metrics.Metrics, log *zap.Logger, cfg Config) *Router {
	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		burst = cfg.RPS
	}
	return &Router{
		Webhooks: webhooks,
		Queue:    q,
		Client:   &http.Client{},
		Limiter:  rate.NewLimiter(limit, burst),
		Metrics:  m,
		Log:      log,
	}
}

// eventJob carries the serialised body so every attempt signs the same bytes.
type eventJob struct {
	EventID  string          `json:"event_id"`
	Type     model.EventType `json:"type"`
	TenantID string          `json:"tenant_id"`
	Body     json.RawMessage `json:"body"`
}

type deliveryJob struct {
	WebhookID int `json:"webhook_id"`
	eventJob
}

// Register subscribes both queue topics. Call once per process.
func (r *Router) Register(q queue.Queue) error {
	if err := q.Subscribe(queue.TopicWebhookEvents, r.fanOut); err != nil {
		return err
	}
	return q.Subscribe(queue.TopicWebhookDeliveries, r.deliver)
}

// RouteEvent queues the event for fan-out and returns without waiting for delivery.
func (r *Router) RouteEvent(ctx context.Context, e model.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	job := eventJob{EventID: e.ID, Type: e.Type, TenantID: e.TenantID, Body: body}
	if err := r.Queue.Publish(ctx, queue.TopicWebhookEvents, job); err != nil {
		return fmt.Errorf("route event %s: %w", e.Type, err)
	}
	return nil
}

func (r *Router) fanOut(ctx context.Context, msg queue.Message) error {
	var job eventJob
	if err := msg.Decode(&job); err != nil {
		r.Log.Error("dropping malformed webhook event", zap.Error(err))
		return nil
	}

	hooks, err := r.Webhooks.ListActiveByTenant(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("list webhooks for %s: %w", job.TenantID, err)
	}
	for _, w := range hooks {
		if !w.Subscribed(job.Type) {
			continue
		}
		d := deliveryJob{WebhookID: w.ID, eventJob: job}
		if err := r.Queue.Publish(ctx, queue.TopicWebhookDeliveries, d, queue.WithMaxRetries(w.RetryCount)); err != nil {
			// Retrying the fan-out would duplicate deliveries already queued.
			r.Log.Error("failed to queue webhook delivery",
				zap.Int("webhook_id", w.ID), zap.String("event_id", job.EventID), zap.Error(err))
		}
	}
	return nil
}

func (r *Router) deliver(ctx context.Context, msg queue.Message) error {
	var job deliveryJob
	if err := msg.Decode(&job); err != nil {
		r.Log.Error("dropping malformed webhook delivery", zap.Error(err))
		return nil
	}

	w, err := r.Webhooks.GetByID(ctx, job.WebhookID)
	if appErrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !w.Active {
		return nil
	}

	if err := r.Limiter.Wait(ctx); err != nil {
		return err
	}

	code, sendErr := r.post(ctx, w, job)
	entry := &model.WebhookDeliveryLog{
		WebhookID:  w.ID,
		EventID:    job.EventID,
		EventType:  job.Type,
		Payload:    job.Body,
		Attempt:    msg.Attempt,
		Success:    sendErr == nil,
		StatusCode: code,
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := r.Webhooks.AppendLog(ctx, entry); err != nil {
		r.Log.Error("failed to record webhook delivery", zap.Int("webhook_id", w.ID), zap.Error(err))
	}
	r.Metrics.WebhookAttempt(sendErr == nil)

	if sendErr != nil {
		r.Log.Warn("webhook delivery failed",
			zap.Int("webhook_id", w.ID),
			zap.String("event_type", string(job.Type)),
			zap.Int("attempt", msg.Attempt),
			zap.Error(sendErr))
	}
	return sendErr
}

func (r *Router) post(ctx context.Context, w *model.WebhookRegistration, job deliveryJob) (int, error) {
	timeout := time.Duration(w.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(job.Body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(w.Secret, job.Body))
	req.Header.Set("X-Webhook-Event", string(job.Type))
	req.Header.Set("X-Webhook-Id", job.EventID)

	resp, err := r.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// RegisterWebhook validates a registration, applies defaults and stores it for the tenant.
// RetryCount is taken as given: zero means a single attempt.
func (r *Router) RegisterWebhook(ctx context.Context, tenantID string, w *model.WebhookRegistration) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant is required", appErrors.ErrInvalidInput)
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", appErrors.ErrInvalidInput)
	}
	if w.Secret == "" {
		return fmt.Errorf("%w: secret is required", appErrors.ErrInvalidInput)
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", appErrors.ErrInvalidInput)
	}
	for _, e := range w.Events {
		if !knownEvents[e] {
			return fmt.Errorf("%w: unknown event %q", appErrors.ErrInvalidInput, e)
		}
	}
	if w.RetryCount < 0 {
		return fmt.Errorf("%w: retry_count cannot be negative", appErrors.ErrInvalidInput)
	}
	if w.TimeoutMs <= 0 {
		w.TimeoutMs = DefaultTimeoutMs
	}
	w.TenantID = tenantID
	w.Active = true

	if err := r.Webhooks.Create(ctx, w); err != nil {
		return err
	}
	r.Log.Info("webhook registered", zap.Int("webhook_id", w.ID), zap.String("tenant_id", tenantID))
	return nil
}

// GetWebhookStats reports delivery outcomes for a registration owned by the tenant.
func (r *Router) GetWebhookStats(ctx context.Context, tenantID string, webhookID, recent int) (*model.WebhookStats, error) {
	w, err := r.Webhooks.GetByID(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if w.TenantID != tenantID {
		return nil, appErrors.NewWebhookNotFound(webhookID)
	}
	if recent <= 0 {
		recent = defaultRecent
	}
	return r.Webhooks.Stats(ctx, webhookID, recent)
}
