package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID string, offset, limit int, channel, status string) ([]*model.Campaign, int, error)

	// Scheduler scans
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*model.Campaign, error)

	// TransitionStatus moves the campaign to `to` only while its current
	// status is one of `from`. It reports whether a row changed.
	TransitionStatus(ctx context.Context, id int, to model.CampaignStatus, from ...model.CampaignStatus) (bool, error)
	SetTotal(ctx context.Context, id, total int) error
	GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, tenant_id, session_id, name, channel, status, base_template, recipient_source,
        scheduled_at, total_count, sent_count, delivered_count, failed_count,
        created_at, updated_at, started_at, completed_at, last_progress_at`

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	source, err := json.Marshal(c.Source)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO campaigns (tenant_id, session_id, name, channel, status, base_template, recipient_source, scheduled_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		c.TenantID, c.SessionID, c.Name, c.Channel, string(c.Status), c.BaseTemplate, source, c.ScheduledAt, c.CreatedAt,
	).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, tenantID string, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE tenant_id=$1`
	args := []interface{}{tenantID}
	argPos := 2

	if channel != "" {
		where += fmt.Sprintf(" AND channel=$%d", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	campaigns, err := r.queryCampaigns(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
        FROM campaigns
        WHERE status='scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
        ORDER BY scheduled_at, id
        LIMIT $2`
	return r.queryCampaigns(ctx, query, now, limit)
}

func (r *CampaignRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
        FROM campaigns
        WHERE status='sending' AND COALESCE(last_progress_at, started_at, created_at) < $1
        ORDER BY id
        LIMIT $2`
	return r.queryCampaigns(ctx, query, before, limit)
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, to model.CampaignStatus, from ...model.CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s needs at least one source status", to)
	}
	froms := make([]string, len(from))
	for i, f := range from {
		froms[i] = string(f)
	}
	query := `
        UPDATE campaigns
        SET status=$1,
            updated_at=NOW(),
            started_at = CASE WHEN $1::text = 'sending' THEN COALESCE(started_at, NOW()) ELSE started_at END,
            last_progress_at = CASE WHEN $1::text = 'sending' THEN NOW() ELSE last_progress_at END,
            completed_at = CASE WHEN $1::text IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END
        WHERE id=$2 AND status = ANY($3)
    `
	res, err := r.DB.ExecContext(ctx, query, string(to), id, pq.Array(froms))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) SetTotal(ctx context.Context, id, total int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET total_count=$1, updated_at=NOW() WHERE id=$2`, total, id)
	return err
}

func (r *CampaignRepository) GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM recipients WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0, "pending": 0, "sending": 0, "sent": 0, "delivered": 0, "read": 0, "failed": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args ...interface{}) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var status string
	var source []byte
	err := row.Scan(
		&c.ID, &c.TenantID, &c.SessionID, &c.Name, &c.Channel, &status, &c.BaseTemplate, &source,
		&c.ScheduledAt, &c.TotalCount, &c.SentCount, &c.DeliveredCount, &c.FailedCount,
		&c.CreatedAt, &c.UpdatedAt, &c.StartedAt, &c.CompletedAt, &c.LastProgressAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.CampaignStatus(status)
	if len(source) > 0 {
		if err := json.Unmarshal(source, &c.Source); err != nil {
			return nil, fmt.Errorf("decode recipient_source of campaign %d: %w", c.ID, err)
		}
	}
	return &c, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
