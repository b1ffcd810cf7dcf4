// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/transport"
)

const (
	reasonStaleSend  = "send outcome unknown: dispatch was interrupted"
	reasonCancelled  = "campaign cancelled before send"
	maxTransientWait = 30 * time.Second
)

type DispatcherConfig struct {
	BatchSize        int
	TransientRetries int
	TransientBackoff time.Duration
	LimiterBackoff   time.Duration
	StaleAfter       time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.TransientRetries < 0 {
		c.TransientRetries = 0
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = time.Second
	}
	if c.LimiterBackoff <= 0 {
		c.LimiterBackoff = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

// Dispatcher drives campaigns from draft/scheduled to a terminal status.
// Every row change is a conditional update, so several dispatchers may run
// against the same store; within one process a campaign has at most one pass.
type Dispatcher struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Customers  repository.CustomerRepositoryInterface
	Limiter    ratelimit.Limiter
	Transport  transport.Transport
	Events     EventPublisher
	Metrics    *metrics.Metrics
	Log        *zap.Logger

	cfg     DispatcherConfig
	running sync.Map
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

func NewDispatcher(
	campaigns repository.CampaignRepositoryInterface,
	recipients repository.RecipientRepositoryInterface,
	customers repository.CustomerRepositoryInterface,
	limiter ratelimit.Limiter,
	tr transport.Transport,
	events EventPublisher,
	m *metrics.Metrics,
	log *zap.Logger,
	cfg DispatcherConfig,
) *Dispatcher {
	if events == nil {
		events = nopPublisher{}
	}
	return &Dispatcher{
		Campaigns:  campaigns,
		Recipients: recipients,
		Customers:  customers,
		Limiter:    limiter,
		Transport:  tr,
		Events:     events,
		Metrics:    m,
		Log:        log,
		cfg:        cfg.withDefaults(),
		sleep:      sleepCtx,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DispatchResult summarises one pass over a campaign.
type DispatchResult struct {
	CampaignID     int                  `json:"campaign_id"`
	Status         model.CampaignStatus `json:"status"`
	Sent           int                  `json:"sent"`
	Failed         int                  `json:"failed"`
	Skipped        int                  `json:"skipped"`
	StaleFailed    int                  `json:"stale_failed,omitempty"`
	Stopped        bool                 `json:"stopped,omitempty"`
	AlreadyRunning bool                 `json:"already_running,omitempty"`
	Completed      bool                 `json:"completed"`
}

// StartCampaign activates the campaign and runs a full pass over it.
func (d *Dispatcher) StartCampaign(ctx context.Context, id int) (*DispatchResult, error) {
	c, err := d.Activate(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.runPass(ctx, c)
}

// Activate materialises the recipient set and moves the campaign to sending.
// It does not send anything. A caller that loses the race to activate gets
// ErrCampaignAlreadySending.
func (d *Dispatcher) Activate(ctx context.Context, id int) (*model.Campaign, error) {
	c, err := d.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Status == model.CampaignSending:
		return nil, appErrors.ErrCampaignAlreadySending
	case !c.Status.CanTransition(model.CampaignSending):
		return nil, appErrors.NewInvalidTransition("campaign", string(c.Status), string(model.CampaignSending))
	}

	total, err := d.materialise(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("materialise recipients for campaign %d: %w", id, err)
	}
	if err := d.Campaigns.SetTotal(ctx, id, total); err != nil {
		return nil, err
	}

	ok, err := d.Campaigns.TransitionStatus(ctx, id, model.CampaignSending, model.CampaignDraft, model.CampaignScheduled)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := d.Campaigns.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == model.CampaignSending {
			return nil, appErrors.ErrCampaignAlreadySending
		}
		return nil, appErrors.NewInvalidTransition("campaign", string(cur.Status), string(model.CampaignSending))
	}

	c, err = d.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Log.Info("campaign activated", zap.Int("campaign_id", id), zap.Int("total", total))
	// The row may already have moved on (e.g. a cancel); the event describes
	// the transition this call made.
	started := *c
	started.Status = model.CampaignSending
	if err := d.Events.RouteEvent(ctx, newEvent(model.EventCampaignStarted, c.TenantID, c.SessionID, campaignData(&started))); err != nil {
		d.Log.Warn("failed to route event", zap.String("type", string(model.EventCampaignStarted)), zap.Error(err))
	}
	return c, nil
}

// materialise resolves the recipient source once and inserts the missing
// recipients. It returns the campaign's recipient count.
func (d *Dispatcher) materialise(ctx context.Context, c *model.Campaign) (int, error) {
	var (
		contacts []*model.Customer
		err      error
	)
	switch {
	case c.Source.IsSegment():
		contacts, err = d.Customers.ListBySegment(ctx, c.TenantID, *c.Source.Segment)
	case len(c.Source.ContactIDs) > 0:
		contacts, err = d.Customers.ListByIDs(ctx, c.TenantID, c.Source.ContactIDs)
	}
	if err != nil {
		return 0, err
	}

	recipients := make([]*model.Recipient, 0, len(contacts))
	for _, ct := range contacts {
		recipients = append(recipients, &model.Recipient{
			CampaignID: c.ID,
			TenantID:   c.TenantID,
			ContactID:  ct.ID,
			Address:    ct.Phone,
			Fields:     ct.Fields(),
		})
	}
	if _, err := d.Recipients.InsertIfAbsent(ctx, recipients); err != nil {
		return 0, err
	}
	return d.Recipients.CountByCampaign(ctx, c.ID)
}

// Resume continues a sending campaign after an interruption. Recipients left
// in sending for longer than the staleness threshold are failed, never resent.
func (d *Dispatcher) Resume(ctx context.Context, id int) (*DispatchResult, error) {
	c, err := d.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignSending {
		return nil, appErrors.ErrCampaignNotSending
	}
	if !d.lock(id) {
		return &DispatchResult{CampaignID: id, Status: c.Status, AlreadyRunning: true}, nil
	}
	defer d.unlock(id)

	stale, err := d.Recipients.FailInFlight(ctx, id, model.RecipientSending, d.now().Add(-d.cfg.StaleAfter), reasonStaleSend)
	if err != nil {
		return nil, err
	}
	if stale > 0 {
		d.Log.Warn("failed stale in-flight recipients", zap.Int("campaign_id", id), zap.Int("count", stale))
	}

	res, err := d.pass(ctx, c)
	if res != nil {
		res.StaleFailed = stale
	}
	return res, err
}

func (d *Dispatcher) runPass(ctx context.Context, c *model.Campaign) (*DispatchResult, error) {
	if !d.lock(c.ID) {
		return &DispatchResult{CampaignID: c.ID, Status: c.Status, AlreadyRunning: true}, nil
	}
	defer d.unlock(c.ID)
	return d.pass(ctx, c)
}

func (d *Dispatcher) lock(id int) bool {
	_, loaded := d.running.LoadOrStore(id, struct{}{})
	return !loaded
}

func (d *Dispatcher) unlock(id int) { d.running.Delete(id) }

// pass sends every pending recipient in id order, then checks completion.
// Only store errors and context cancellation end it early with an error.
func (d *Dispatcher) pass(ctx context.Context, c *model.Campaign) (*DispatchResult, error) {
	res := &DispatchResult{CampaignID: c.ID, Status: c.Status}
	afterID := 0

	for {
		batch, err := d.Recipients.ListPending(ctx, c.ID, afterID, d.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			afterID = rec.ID
			stop, err := d.process(ctx, c, rec, res)
			if err != nil {
				d.Log.Error("dispatch pass aborted",
					zap.Int("campaign_id", c.ID), zap.Int("recipient_id", rec.ID), zap.Error(err))
				return res, err
			}
			if stop {
				res.Stopped = true
				cur, err := d.Campaigns.GetByID(ctx, c.ID)
				if err == nil {
					res.Status = cur.Status
				}
				return res, nil
			}
		}
	}

	completed, err := d.CheckCompletion(ctx, c.ID)
	if err != nil {
		return res, err
	}
	res.Completed = completed
	if cur, err := d.Campaigns.GetByID(ctx, c.ID); err == nil {
		res.Status = cur.Status
	}
	d.Log.Info("dispatch pass finished",
		zap.Int("campaign_id", c.ID),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.String("status", string(res.Status)))
	return res, nil
}

// process handles one recipient. It returns stop=true when the campaign is
// no longer sending.
func (d *Dispatcher) process(ctx context.Context, c *model.Campaign, rec *model.Recipient, res *DispatchResult) (bool, error) {
	sending, err := d.stillSending(ctx, c.ID)
	if err != nil || !sending {
		return !sending, err
	}

	waited, err := d.acquire(ctx, c)
	if err != nil {
		return false, err
	}
	if waited {
		if sending, err := d.stillSending(ctx, c.ID); err != nil || !sending {
			return !sending, err
		}
	}

	body, renderErr := RenderTemplate(c.BaseTemplate, rec.Fields)
	if renderErr != nil {
		return false, d.fail(ctx, c, rec, model.RecipientPending, "", renderErr.Error(), res)
	}

	claimed, err := d.Recipients.Transition(ctx, model.RecipientTransition{
		RecipientID: rec.ID,
		CampaignID:  c.ID,
		From:        model.RecipientPending,
		To:          model.RecipientSending,
		Patch:       model.RecipientPatch{RenderedContent: body},
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		res.Skipped++
		return false, nil
	}
	rec.RenderedContent = body

	start := time.Now()
	result, sendErr := d.sendWithRetry(ctx, c, rec, body)
	if sendErr != nil && ctx.Err() != nil {
		// Left in sending; resume settles it once it is stale.
		return false, ctx.Err()
	}
	if sendErr != nil {
		d.Metrics.SendFailed(time.Since(start))
		return false, d.fail(ctx, c, rec, model.RecipientSending, body, sendErr.Error(), res)
	}

	at := d.now()
	ok, err := d.Recipients.Transition(ctx, model.RecipientTransition{
		RecipientID: rec.ID,
		CampaignID:  c.ID,
		From:        model.RecipientSending,
		To:          model.RecipientSent,
		Patch:       model.RecipientPatch{ProviderMessageID: result.ProviderMessageID, At: at},
	})
	if err != nil {
		return false, err
	}
	if !ok {
		d.Log.Warn("recipient changed while sending",
			zap.Int("campaign_id", c.ID), zap.Int("recipient_id", rec.ID))
		return false, nil
	}
	d.Metrics.SendSucceeded(time.Since(start))
	res.Sent++
	rec.Status = model.RecipientSent
	rec.ProviderMessageID = result.ProviderMessageID
	rec.SentAt = &at
	d.emitRecipient(ctx, c, rec)
	return false, nil
}

func (d *Dispatcher) stillSending(ctx context.Context, id int) (bool, error) {
	cur, err := d.Campaigns.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return cur.Status == model.CampaignSending, nil
}

// acquire waits until the limiter grants a token. It reports whether it had to wait.
func (d *Dispatcher) acquire(ctx context.Context, c *model.Campaign) (bool, error) {
	waited := false
	for {
		dec, err := d.Limiter.TryAcquire(ctx, c.SessionID, c.TenantID)
		if err != nil {
			if ctx.Err() != nil {
				return waited, ctx.Err()
			}
			d.Log.Warn("rate limiter unavailable, backing off",
				zap.Int("campaign_id", c.ID), zap.Error(err))
			if err := d.sleep(ctx, d.cfg.LimiterBackoff); err != nil {
				return waited, err
			}
			waited = true
			continue
		}
		if dec.Allowed {
			return waited, nil
		}
		d.Metrics.RateLimited()
		if err := d.sleep(ctx, dec.RetryAfter); err != nil {
			return waited, err
		}
		waited = true
	}
}

// sendWithRetry resends on transient transport errors, keeping the recipient
// in sending, up to TransientRetries extra attempts.
func (d *Dispatcher) sendWithRetry(ctx context.Context, c *model.Campaign, rec *model.Recipient, body string) (transport.SendResult, error) {
	for attempt := 0; ; attempt++ {
		result, err := d.Transport.Send(ctx, c.SessionID, rec.Address, body)
		if err == nil {
			return result, nil
		}
		var terr *transport.Error
		if !errors.As(err, &terr) || !terr.Temporary() || attempt >= d.cfg.TransientRetries {
			return result, err
		}
		wait := terr.RetryAfter
		if wait <= 0 {
			wait = queue.Backoff(d.cfg.TransientBackoff, maxTransientWait, attempt+1)
		}
		d.Log.Debug("transient send error, retrying",
			zap.Int("recipient_id", rec.ID), zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		if serr := d.sleep(ctx, wait); serr != nil {
			return result, err
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, c *model.Campaign, rec *model.Recipient, from model.RecipientStatus, body, reason string, res *DispatchResult) error {
	at := d.now()
	ok, err := d.Recipients.Transition(ctx, model.RecipientTransition{
		RecipientID: rec.ID,
		CampaignID:  c.ID,
		From:        from,
		To:          model.RecipientFailed,
		Patch:       model.RecipientPatch{RenderedContent: body, ErrorMessage: reason, At: at},
	})
	if err != nil {
		return err
	}
	if !ok {
		res.Skipped++
		return nil
	}
	if from == model.RecipientPending {
		d.Metrics.SendFailed(0)
	}
	res.Failed++
	rec.Status = model.RecipientFailed
	rec.ErrorMessage = reason
	rec.FailedAt = &at
	d.emitRecipient(ctx, c, rec)
	return nil
}

// CheckCompletion finalises a sending campaign once no recipient is pending
// or sending. Only the caller whose conditional update wins emits the event,
// so repeated calls are harmless.
func (d *Dispatcher) CheckCompletion(ctx context.Context, id int) (bool, error) {
	inFlight, err := d.Recipients.CountInFlight(ctx, id)
	if err != nil {
		return false, err
	}
	if inFlight > 0 {
		return false, nil
	}
	c, err := d.Campaigns.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != model.CampaignSending {
		return false, nil
	}

	final := c.FinalStatus()
	ok, err := d.Campaigns.TransitionStatus(ctx, id, final, model.CampaignSending)
	if err != nil || !ok {
		return false, err
	}

	c, err = d.Campaigns.GetByID(ctx, id)
	if err != nil {
		return true, err
	}
	d.Metrics.CampaignFinished(string(final))
	d.Log.Info("campaign finished",
		zap.Int("campaign_id", id),
		zap.String("status", string(final)),
		zap.Int("total", c.TotalCount),
		zap.Int("sent", c.SentCount),
		zap.Int("failed", c.FailedCount))
	d.emitCampaign(ctx, c)
	return true, nil
}

// Cancel stops a campaign. A send already handed to the transport still
// completes; recipients not yet claimed are failed so counters add up.
func (d *Dispatcher) Cancel(ctx context.Context, id int) (*model.Campaign, error) {
	ok, err := d.Campaigns.TransitionStatus(ctx, id, model.CampaignCancelled,
		model.CampaignDraft, model.CampaignScheduled, model.CampaignSending)
	if err != nil {
		return nil, err
	}
	if !ok {
		c, err := d.Campaigns.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, appErrors.NewInvalidTransition("campaign", string(c.Status), string(model.CampaignCancelled))
	}

	n, err := d.Recipients.FailInFlight(ctx, id, model.RecipientPending, time.Time{}, reasonCancelled)
	if err != nil {
		return nil, err
	}
	c, err := d.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Metrics.CampaignFinished(string(model.CampaignCancelled))
	d.Log.Info("campaign cancelled", zap.Int("campaign_id", id), zap.Int("unsent", n))
	d.emitCampaign(ctx, c)
	return c, nil
}

func (d *Dispatcher) emitRecipient(ctx context.Context, c *model.Campaign, rec *model.Recipient) {
	et, ok := recipientEventType(rec.Status)
	if !ok {
		return
	}
	e := newEvent(et, c.TenantID, c.SessionID, recipientEventData{
		CampaignID:        c.ID,
		RecipientID:       rec.ID,
		ContactID:         rec.ContactID,
		Address:           rec.Address,
		Status:            rec.Status,
		ProviderMessageID: rec.ProviderMessageID,
		Error:             rec.ErrorMessage,
	})
	if err := d.Events.RouteEvent(ctx, e); err != nil {
		d.Log.Warn("failed to route event", zap.String("type", string(et)), zap.Error(err))
	}
}

func (d *Dispatcher) emitCampaign(ctx context.Context, c *model.Campaign) {
	et, ok := campaignEventType(c.Status)
	if !ok {
		return
	}
	if err := d.Events.RouteEvent(ctx, newEvent(et, c.TenantID, c.SessionID, campaignData(c))); err != nil {
		d.Log.Warn("failed to route event", zap.String("type", string(et)), zap.Error(err))
	}
}
