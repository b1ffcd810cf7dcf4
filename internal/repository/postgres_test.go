package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var campaignCols = []string{
	"id", "tenant_id", "session_id", "name", "channel", "status", "base_template", "recipient_source",
	"scheduled_at", "total_count", "sent_count", "delivered_count", "failed_count",
	"created_at", "updated_at", "started_at", "completed_at", "last_progress_at",
}

func campaignRow(id int, status string) []driver.Value {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return []driver.Value{
		id, "t1", "s1", "Promo", "sms", status, "Hi {first_name}", []byte(`{"contact_ids":[1,2]}`),
		nil, 2, 1, 0, 0,
		now, nil, nil, nil, nil,
	}
}

func TestCampaignTransitionStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}
	ctx := context.Background()

	mock.ExpectExec(`UPDATE campaigns\s+SET status=\$1`).
		WithArgs("sending", int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.TransitionStatus(ctx, 7, model.CampaignSending, model.CampaignDraft, model.CampaignScheduled)
	if err != nil || !ok {
		t.Fatalf("expected applied transition, got %v %v", ok, err)
	}

	mock.ExpectExec(`UPDATE campaigns\s+SET status=\$1`).
		WithArgs("sending", int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.TransitionStatus(ctx, 7, model.CampaignSending, model.CampaignDraft)
	if err != nil || ok {
		t.Fatalf("lost race must report false without error, got %v %v", ok, err)
	}

	if _, err := repo.TransitionStatus(ctx, 7, model.CampaignSending); err == nil {
		t.Fatal("expected error without source statuses")
	}
}

func TestCampaignGetByID(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id=\$1`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(campaignCols).AddRow(campaignRow(3, "draft")...))
	c, err := repo.GetByID(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != model.CampaignDraft || len(c.Source.ContactIDs) != 2 || c.ScheduledAt != nil {
		t.Fatalf("unexpected campaign %+v", c)
	}

	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id=\$1`).
		WithArgs(int64(4)).
		WillReturnError(sql.ErrNoRows)
	if _, err := repo.GetByID(context.Background(), 4); !appErrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCampaignListCampaignsFilters(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaigns WHERE tenant_id=\$1 AND status=\$2`).
		WithArgs("t1", "sending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`FROM campaigns WHERE tenant_id=\$1 AND status=\$2 ORDER BY id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("t1", "sending", int64(2), int64(2)).
		WillReturnRows(sqlmock.NewRows(campaignCols).AddRow(campaignRow(1, "sending")...))

	campaigns, total, err := repo.ListCampaigns(context.Background(), "t1", 2, 2, "", "sending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(campaigns) != 1 {
		t.Fatalf("expected 1 of 3, got %d of %d", len(campaigns), total)
	}
}

func TestCampaignStats(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM recipients WHERE campaign_id=\$1 GROUP BY status`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("sent", 2).AddRow("failed", 1))

	stats, err := repo.GetCampaignStats(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats["total"] != 3 || stats["sent"] != 2 || stats["failed"] != 1 || stats["pending"] != 0 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestRecipientTransitionAppliesCounterDelta(t *testing.T) {
	db, mock := newMock(t)
	repo := &RecipientRepository{DB: db}
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE recipients\s+SET status=\$1`).
		WithArgs("failed", "", "", "provider reported delivery failure", at, int64(3), "delivered").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns\s+SET sent_count = sent_count \+ \$1`).
		WithArgs(int64(-1), int64(-1), int64(1), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.Transition(context.Background(), model.RecipientTransition{
		RecipientID: 3,
		CampaignID:  9,
		From:        model.RecipientDelivered,
		To:          model.RecipientFailed,
		Patch:       model.RecipientPatch{ErrorMessage: "provider reported delivery failure", At: at},
	})
	if err != nil || !ok {
		t.Fatalf("expected applied transition, got %v %v", ok, err)
	}
}

func TestRecipientTransitionLostRaceRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := &RecipientRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE recipients`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := repo.Transition(context.Background(), model.RecipientTransition{
		RecipientID: 3, CampaignID: 9, From: model.RecipientPending, To: model.RecipientSending,
	})
	if err != nil || ok {
		t.Fatalf("expected no-op, got %v %v", ok, err)
	}
}

func TestRecipientFailInFlight(t *testing.T) {
	db, mock := newMock(t)
	repo := &RecipientRepository{DB: db}
	before := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`WHERE campaign_id=\$2 AND status=\$3 AND updated_at < \$4`).
		WithArgs("stale", int64(5), "sending", before).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE campaigns SET failed_count = failed_count \+ \$1`).
		WithArgs(int64(2), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := repo.FailInFlight(context.Background(), 5, model.RecipientSending, before, "stale")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 failed, got %d %v", n, err)
	}

	if _, err := repo.FailInFlight(context.Background(), 5, model.RecipientSent, time.Time{}, "x"); err == nil {
		t.Fatal("sent recipients are not in flight")
	}
}

func TestRecipientInsertIfAbsentSkipsDuplicates(t *testing.T) {
	db, mock := newMock(t)
	repo := &RecipientRepository{DB: db}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO recipients`)
	prep.ExpectExec().
		WithArgs(int64(1), "t1", int64(10), "+2547001", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs(int64(1), "t1", int64(11), "+2547002", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := repo.InsertIfAbsent(context.Background(), []*model.Recipient{
		{CampaignID: 1, TenantID: "t1", ContactID: 10, Address: "+2547001"},
		{CampaignID: 1, TenantID: "t1", ContactID: 11, Address: "+2547002"},
	})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 inserted, got %d %v", n, err)
	}
}

func TestRecipientUnknownProviderMessage(t *testing.T) {
	db, mock := newMock(t)
	repo := &RecipientRepository{DB: db}

	mock.ExpectQuery(`FROM recipients WHERE provider_message_id=\$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := repo.GetByProviderMessageID(context.Background(), "missing"); !appErrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecipientGetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := &RecipientRepository{DB: db}

	mock.ExpectQuery(`FROM recipients WHERE id=\$1`).
		WithArgs(42).
		WillReturnError(sql.ErrNoRows)
	rec, err := repo.GetByID(context.Background(), 42)
	if rec != nil || !appErrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v %v", rec, err)
	}
}

func TestWebhookCreateAndStats(t *testing.T) {
	db, mock := newMock(t)
	repo := &WebhookRepository{DB: db}
	ctx := context.Background()

	mock.ExpectQuery(`INSERT INTO webhooks`).
		WithArgs("t1", "https://example.com/hook", "s", sqlmock.AnyArg(), int64(3), int64(5000), true, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	w := &model.WebhookRegistration{TenantID: "t1", URL: "https://example.com/hook", Secret: "s",
		Events: []model.EventType{model.EventWildcard}, RetryCount: 3, TimeoutMs: 5000, Active: true}
	if err := repo.Create(ctx, w); err != nil || w.ID != 12 {
		t.Fatalf("create: id=%d err=%v", w.ID, err)
	}

	now := time.Now().UTC()
	mock.ExpectQuery(`COUNT\(\*\) FILTER \(WHERE success\)`).
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"ok", "failed"}).AddRow(4, 1))
	mock.ExpectQuery(`FROM webhook_delivery_logs\s+WHERE webhook_id=\$1\s+ORDER BY created_at DESC`).
		WithArgs(int64(12), int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "webhook_id", "event_id", "event_type", "payload", "attempt", "success", "status_code", "error", "created_at"}).
			AddRow(5, 12, "evt-1", "campaign.completed", []byte(`{}`), 2, false, 500, "webhook responded 500", now))

	stats, err := repo.Stats(ctx, 12, 20)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Success != 4 || stats.Failure != 1 || len(stats.Recent) != 1 || stats.Recent[0].EventType != model.EventCampaignCompleted {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
