package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type WebhookRepositoryInterface interface {
	Create(ctx context.Context, w *model.WebhookRegistration) error
	GetByID(ctx context.Context, id int) (*model.WebhookRegistration, error)
	ListActiveByTenant(ctx context.Context, tenantID string) ([]*model.WebhookRegistration, error)

	// AppendLog records one delivery attempt. Logs are never updated.
	AppendLog(ctx context.Context, l *model.WebhookDeliveryLog) error
	Stats(ctx context.Context, webhookID, recent int) (*model.WebhookStats, error)
}

type WebhookRepository struct {
	DB *sql.DB
}

const webhookColumns = `id, tenant_id, url, secret, events, retry_count, timeout_ms, active, created_at`

func (r *WebhookRepository) Create(ctx context.Context, w *model.WebhookRegistration) error {
	w.CreatedAt = time.Now().UTC()
	query := `
        INSERT INTO webhooks (tenant_id, url, secret, events, retry_count, timeout_ms, active, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		w.TenantID, w.URL, w.Secret, pq.Array(eventStrings(w.Events)), w.RetryCount, w.TimeoutMs, w.Active, w.CreatedAt,
	).Scan(&w.ID)
}

func (r *WebhookRepository) GetByID(ctx context.Context, id int) (*model.WebhookRegistration, error) {
	w, err := scanWebhook(r.DB.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewWebhookNotFound(id)
		}
		return nil, err
	}
	return w, nil
}

func (r *WebhookRepository) ListActiveByTenant(ctx context.Context, tenantID string) ([]*model.WebhookRegistration, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE tenant_id=$1 AND active ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hooks := []*model.WebhookRegistration{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func (r *WebhookRepository) AppendLog(ctx context.Context, l *model.WebhookDeliveryLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	payload := []byte(l.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	query := `
        INSERT INTO webhook_delivery_logs (webhook_id, event_id, event_type, payload, attempt, success, status_code, error, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		l.WebhookID, l.EventID, string(l.EventType), payload, l.Attempt, l.Success, l.StatusCode, l.Error, l.CreatedAt,
	).Scan(&l.ID)
}

func (r *WebhookRepository) Stats(ctx context.Context, webhookID, recent int) (*model.WebhookStats, error) {
	stats := &model.WebhookStats{WebhookID: webhookID, Recent: []*model.WebhookDeliveryLog{}}
	err := r.DB.QueryRowContext(ctx, `
        SELECT COUNT(*) FILTER (WHERE success), COUNT(*) FILTER (WHERE NOT success)
        FROM webhook_delivery_logs WHERE webhook_id=$1
    `, webhookID).Scan(&stats.Success, &stats.Failure)
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, webhook_id, event_id, event_type, payload, attempt, success, status_code, error, created_at
        FROM webhook_delivery_logs
        WHERE webhook_id=$1
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `, webhookID, recent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l model.WebhookDeliveryLog
		var eventType string
		var payload []byte
		if err := rows.Scan(&l.ID, &l.WebhookID, &l.EventID, &eventType, &payload, &l.Attempt, &l.Success, &l.StatusCode, &l.Error, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.EventType = model.EventType(eventType)
		l.Payload = payload
		stats.Recent = append(stats.Recent, &l)
	}
	return stats, rows.Err()
}

func scanWebhook(row rowScanner) (*model.WebhookRegistration, error) {
	var w model.WebhookRegistration
	var events []string
	if err := row.Scan(&w.ID, &w.TenantID, &w.URL, &w.Secret, pq.Array(&events), &w.RetryCount, &w.TimeoutMs, &w.Active, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Events = make([]model.EventType, len(events))
	for i, e := range events {
		w.Events[i] = model.EventType(e)
	}
	return &w, nil
}

func eventStrings(events []model.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

var _ WebhookRepositoryInterface = (*WebhookRepository)(nil)
