package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type RecipientRepositoryInterface interface {
	// InsertIfAbsent creates recipients, skipping (campaign, contact) pairs
	// that already exist. It returns the number of new rows.
	InsertIfAbsent(ctx context.Context, recipients []*model.Recipient) (int, error)
	CountByCampaign(ctx context.Context, campaignID int) (int, error)
	CountInFlight(ctx context.Context, campaignID int) (int, error)
	ListPending(ctx context.Context, campaignID, afterID, limit int) ([]*model.Recipient, error)

	// Transition applies t only while the recipient is still in t.From and
	// adjusts the owning campaign's counters in the same transaction.
	Transition(ctx context.Context, t model.RecipientTransition) (bool, error)
	// FailInFlight fails every recipient of the campaign still in status
	// (pending or sending). A non-zero before limits it to rows not updated since.
	FailInFlight(ctx context.Context, campaignID int, status model.RecipientStatus, before time.Time, reason string) (int, error)

	GetByID(ctx context.Context, id int) (*model.Recipient, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Recipient, error)
	DeliveryStats(ctx context.Context, tenantID string, tr model.TimeRange) ([]model.DeliveryStats, error)
	ListFailed(ctx context.Context, tenantID string, limit int) ([]*model.Recipient, error)
}

type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, campaign_id, tenant_id, contact_id, address, fields, rendered_content, status,
        COALESCE(provider_message_id, ''), sent_at, delivered_at, read_at, failed_at, error_message,
        created_at, updated_at`

// Idempotent insert
func (r *RecipientRepository) InsertIfAbsent(ctx context.Context, recipients []*model.Recipient) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO recipients (campaign_id, tenant_id, contact_id, address, fields, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)
        ON CONFLICT (campaign_id, contact_id) DO NOTHING
    `)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	now := time.Now().UTC()
	for _, rec := range recipients {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, rec.CampaignID, rec.TenantID, rec.ContactID, rec.Address, fields, now)
		if err != nil {
			return 0, fmt.Errorf("insert recipient for contact %d: %w", rec.ContactID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	return inserted, tx.Commit()
}

func (r *RecipientRepository) CountByCampaign(ctx context.Context, campaignID int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipients WHERE campaign_id=$1`, campaignID).Scan(&n)
	return n, err
}

func (r *RecipientRepository) CountInFlight(ctx context.Context, campaignID int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND status IN ('pending', 'sending')`,
		campaignID,
	).Scan(&n)
	return n, err
}

func (r *RecipientRepository) ListPending(ctx context.Context, campaignID, afterID, limit int) ([]*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + `
        FROM recipients
        WHERE campaign_id=$1 AND status='pending' AND id > $2
        ORDER BY id
        LIMIT $3`
	return r.queryRecipients(ctx, query, campaignID, afterID, limit)
}

func (r *RecipientRepository) Transition(ctx context.Context, t model.RecipientTransition) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	at := t.Patch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE recipients
        SET status=$1,
            rendered_content = CASE WHEN $2::text <> '' THEN $2 ELSE rendered_content END,
            provider_message_id = COALESCE(NULLIF($3::text, ''), provider_message_id),
            error_message = CASE WHEN $4::text <> '' THEN $4 ELSE error_message END,
            sent_at = CASE WHEN $1::text = 'sent' THEN $5 ELSE sent_at END,
            delivered_at = CASE WHEN $1::text = 'delivered' THEN $5 ELSE delivered_at END,
            read_at = CASE WHEN $1::text = 'read' THEN $5 ELSE read_at END,
            failed_at = CASE WHEN $1::text = 'failed' THEN $5 ELSE failed_at END,
            updated_at = NOW()
        WHERE id=$6 AND status=$7
    `, string(t.To), t.Patch.RenderedContent, t.Patch.ProviderMessageID, t.Patch.ErrorMessage, at, t.RecipientID, string(t.From))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	d := t.Delta()
	if _, err := tx.ExecContext(ctx, `
        UPDATE campaigns
        SET sent_count = sent_count + $1,
            delivered_count = delivered_count + $2,
            failed_count = failed_count + $3,
            last_progress_at = NOW(),
            updated_at = NOW()
        WHERE id=$4
    `, d.Sent, d.Delivered, d.Failed, t.CampaignID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r *RecipientRepository) FailInFlight(ctx context.Context, campaignID int, status model.RecipientStatus, before time.Time, reason string) (int, error) {
	if !status.InFlight() {
		return 0, fmt.Errorf("fail in-flight recipients: %s is not an in-flight status", status)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := `
        UPDATE recipients
        SET status='failed', error_message=$1, failed_at=NOW(), updated_at=NOW()
        WHERE campaign_id=$2 AND status=$3`
	args := []interface{}{reason, campaignID, string(status)}
	if !before.IsZero() {
		query += ` AND updated_at < $4`
		args = append(args, before)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET failed_count = failed_count + $1, last_progress_at = NOW(), updated_at = NOW() WHERE id=$2`,
		n, campaignID,
	); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (r *RecipientRepository) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	rec, err := scanRecipient(r.DB.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewRecipientIDNotFound(id)
		}
		return nil, err
	}
	return rec, nil
}

func (r *RecipientRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE provider_message_id=$1`
	rec, err := scanRecipient(r.DB.QueryRowContext(ctx, query, providerMessageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewRecipientNotFound(providerMessageID)
		}
		return nil, err
	}
	return rec, nil
}

// DeliveryStats groups recipients created inside the range. The
// (tenant_id, created_at) index keeps the scan bounded by the range.
func (r *RecipientRepository) DeliveryStats(ctx context.Context, tenantID string, tr model.TimeRange) ([]model.DeliveryStats, error) {
	query := `
        SELECT date_trunc($1, created_at AT TIME ZONE 'UTC') AS bucket, status, COUNT(*)
        FROM recipients
        WHERE tenant_id=$2 AND created_at >= $3 AND created_at < $4
        GROUP BY bucket, status
        ORDER BY bucket
    `
	rows, err := r.DB.QueryContext(ctx, query, string(tr.Bucket), tenantID, tr.From, tr.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []model.DeliveryStats{}
	index := map[time.Time]int{}
	for rows.Next() {
		var bucket time.Time
		var status string
		var count int
		if err := rows.Scan(&bucket, &status, &count); err != nil {
			return nil, err
		}
		bucket = time.Date(bucket.Year(), bucket.Month(), bucket.Day(), bucket.Hour(), 0, 0, 0, time.UTC)
		i, ok := index[bucket]
		if !ok {
			stats = append(stats, model.DeliveryStats{BucketStart: bucket})
			i = len(stats) - 1
			index[bucket] = i
		}
		stats[i].Add(model.RecipientStatus(status), count)
	}
	return stats, rows.Err()
}

func (r *RecipientRepository) ListFailed(ctx context.Context, tenantID string, limit int) ([]*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + `
        FROM recipients
        WHERE tenant_id=$1 AND status='failed'
        ORDER BY failed_at DESC NULLS LAST, id DESC
        LIMIT $2`
	return r.queryRecipients(ctx, query, tenantID, limit)
}

func (r *RecipientRepository) queryRecipients(ctx context.Context, query string, args ...interface{}) ([]*model.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []*model.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var rec model.Recipient
	var status string
	var fields []byte
	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.TenantID, &rec.ContactID, &rec.Address, &fields, &rec.RenderedContent, &status,
		&rec.ProviderMessageID, &rec.SentAt, &rec.DeliveredAt, &rec.ReadAt, &rec.FailedAt, &rec.ErrorMessage,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = model.RecipientStatus(status)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of recipient %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
