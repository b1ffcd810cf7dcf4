package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/transport"
)

var defaultLimit = ratelimit.Config{Max: 20, Window: time.Minute}

func TestStartCampaignRenderFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, defaultLimit)
	c := f.campaign(t, "Hi {name}", named("A", "+1"), named("B", "+2"), named("", "+3"))

	res, err := f.d.StartCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 || !res.Completed {
		t.Fatalf("unexpected result %+v", res)
	}

	got := f.reload(t, c.ID)
	if got.Status != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.TotalCount != 3 || got.SentCount != 2 || got.FailedCount != 1 || got.CompletedAt == nil {
		t.Fatalf("unexpected counters %+v", got)
	}
	assertConservation(t, got)

	recs := f.recipients(t, c.ID)
	if recs[0].RenderedContent != "Hi A" || recs[1].RenderedContent != "Hi B" {
		t.Fatalf("unexpected bodies %q %q", recs[0].RenderedContent, recs[1].RenderedContent)
	}
	if recs[2].Status != model.RecipientFailed || recs[2].ErrorMessage == "" {
		t.Fatalf("expected render failure on third recipient, got %+v", recs[2])
	}
	if f.events.count(model.EventRecipientSent) != 2 || f.events.count(model.EventRecipientFailed) != 1 {
		t.Fatal("expected 2 sent and 1 failed events")
	}
	if f.events.count(model.EventCampaignStarted) != 1 || f.events.count(model.EventCampaignCompleted) != 1 {
		t.Fatal("expected one started and one completed event")
	}
}

func TestStartCampaignRespectsRateLimit(t *testing.T) {
	f := newFixture(t, defaultLimit)
	contacts := make([]model.Customer, 25)
	for i := range contacts {
		contacts[i] = named(fmt.Sprintf("C%d", i), fmt.Sprintf("+%d", i))
	}
	c := f.campaign(t, "Hello {first_name}", contacts...)

	res, err := f.d.StartCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 25 {
		t.Fatalf("expected all 25 sent eventually, got %+v", res)
	}
	if len(f.sleeper.waits) != 1 {
		t.Fatalf("expected one back-off after 20 sends, got %v", f.sleeper.waits)
	}
	if w := f.sleeper.waits[0]; w <= 0 || w > time.Minute {
		t.Fatalf("back-off should be the window remainder, got %v", w)
	}

	// Insertion order is preserved across the limiter wait.
	sent := f.transport.Sent()
	for i, m := range sent {
		if m.Address != fmt.Sprintf("+%d", i) {
			t.Fatalf("send %d went to %s", i, m.Address)
		}
	}
}

func TestAllRecipientsFailingFailsCampaign(t *testing.T) {
	f := newFixture(t, defaultLimit)
	f.transport.Fail = func(string) error {
		return &transport.Error{Code: transport.CodeInvalidAddress, Message: "unreachable"}
	}
	c := f.campaign(t, "Hi {name}", named("A", "+1"), named("B", "+2"))

	if _, err := f.d.StartCampaign(context.Background(), c.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := f.reload(t, c.ID)
	if got.Status != model.CampaignFailed || got.FailedCount != 2 {
		t.Fatalf("expected failed campaign, got %+v", got)
	}
	if f.events.count(model.EventCampaignFailed) != 1 {
		t.Fatal("expected campaign.failed event")
	}
	assertConservation(t, got)
}

func TestEmptyCampaignFails(t *testing.T) {
	f := newFixture(t, defaultLimit)
	c := f.campaign(t, "Hi {name}")

	res, err := f.d.StartCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Completed || f.reload(t, c.ID).Status != model.CampaignFailed {
		t.Fatalf("empty campaign should finish as failed, got %+v", res)
	}
}

func TestStartCampaignTwiceIsRejected(t *testing.T) {
	f := newFixture(t, defaultLimit)
	c := f.campaign(t, "Hi {name}", named("A", "+1"))

	if _, err := f.d.Activate(context.Background(), c.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.d.StartCampaign(context.Background(), c.ID); !errors.Is(err, appErrors.ErrCampaignAlreadySending) {
		t.Fatalf("expected ErrCampaignAlreadySending, got %v", err)
	}
}

func TestActivateTerminalCampaign(t *testing.T) {
	f := newFixture(t, defaultLimit)
	c := f.campaign(t, "Hi {name}", named("A", "+1"))
	f.d.StartCampaign(context.Background(), c.ID)

	_, err := f.d.Activate(context.Background(), c.ID)
	var invalid *appErrors.ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

// cancelOnStart cancels the campaign right after it moves to sending.
type cancelOnStart struct {
	repository.CampaignRepositoryInterface
}

func (r cancelOnStart) TransitionStatus(ctx context.Context, id int, to model.CampaignStatus, from ...model.CampaignStatus) (bool, error) {
	ok, err := r.CampaignRepositoryInterface.TransitionStatus(ctx, id, to, from...)
	if ok && to == model.CampaignSending {
		r.CampaignRepositoryInterface.TransitionStatus(ctx, id, model.CampaignCancelled, model.CampaignSending)
	}
	return ok, err
}

func TestActivateEmitsStartedEvenIfCancelledMeanwhile(t *testing.T) {
	f := newFixture(t, defaultLimit)
	c := f.campaign(t, "Hi {name}", named("A", "+1"))
	f.d.Campaigns = cancelOnStart{f.store.Campaigns()}

	if _, err := f.d.Activate(context.Background(), c.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := f.events.count(model.EventCampaignStarted); n != 1 {
		t.Fatalf("expected 1 started event, got %d", n)
	}
	if n := f.events.count(model.EventCampaignCancelled); n != 0 {
		t.Fatalf("activation must not report the cancel, got %d", n)
	}
}

func TestSegmentIsMaterialisedOnce(t *testing.T) {
	f := newFixture(t, defaultLimit)
	ctx := context.Background()
	f.store.AddCustomer(model.Customer{TenantID: testTenant, FirstName: "A", Phone: "+1", Location: "Nairobi"})
	f.store.AddCustomer(model.Customer{TenantID: testTenant, FirstName: "B", Phone: "+2", Location: "Mombasa"})
	f.store.AddCustomer(model.Customer{TenantID: "other", FirstName: "C", Phone: "+3", Location: "Nairobi"})

	c := &model.Campaign{
		TenantID: testTenant, SessionID: "s", Name: "seg", BaseTemplate: "Hi {name}",
		Source: model.RecipientSource{Segment: &model.SegmentFilter{Location: "nairobi"}},
	}
	f.store.Campaigns().Create(ctx, c)

	if _, err := f.d.Activate(ctx, c.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	f.store.AddCustomer(model.Customer{TenantID: testTenant, FirstName: "D", Phone: "+4", Location: "Nairobi"})

	if _, err := f.d.Resume(ctx, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := f.reload(t, c.ID)
	if got.TotalCount != 1 || got.SentCount != 1 {
		t.Fatalf("segment should resolve to one recipient at start, got %+v", got)
	}
}

func TestResumeNeverResendsSentOrStaleRecipients(t *testing.T) {
	f := newFixture(t, defaultLimit)
	ctx := context.Background()
	c := f.campaign(t, "Hi {name}", named("A", "+1"), named("B", "+2"), named("C", "+3"))
	if _, err := f.d.Activate(ctx, c.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	recs := f.recipients(t, c.ID)

	// Simulate a crash: first recipient sent, second claimed long ago with no outcome.
	past := time.Now().UTC().Add(-time.Hour)
	f.store.Now = func() time.Time { return past }
	rr := f.store.Recipients()
	rr.Transition(ctx, model.RecipientTransition{RecipientID: recs[0].ID, CampaignID: c.ID, From: model.RecipientPending, To: model.RecipientSending})
	rr.Transition(ctx, model.RecipientTransition{RecipientID: recs[0].ID, CampaignID: c.ID, From: model.RecipientSending, To: model.RecipientSent, Patch: model.RecipientPatch{ProviderMessageID: "p-1"}})
	rr.Transition(ctx, model.RecipientTransition{RecipientID: recs[1].ID, CampaignID: c.ID, From: model.RecipientPending, To: model.RecipientSending})
	f.store.Now = func() time.Time { return time.Now().UTC() }

	res, err := f.d.Resume(ctx, c.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.StaleFailed != 1 || res.Sent != 1 || !res.Completed {
		t.Fatalf("unexpected resume result %+v", res)
	}
	sent := f.transport.Sent()
	if len(sent) != 1 || sent[0].Address != "+3" {
		t.Fatalf("only the pending recipient may be sent, got %+v", sent)
	}
	got := f.reload(t, c.ID)
	if got.SentCount != 2 || got.FailedCount != 1 || got.Status != model.CampaignCompleted {
		t.Fatalf("unexpected campaign %+v", got)
	}
	assertConservation(t, got)

	// A second resume is a no-op.
	if _, err := f.d.Resume(ctx, c.ID); !errors.Is(err, appErrors.ErrCampaignNotSending) {
		t.Fatalf("expected ErrCampaignNotSending, got %v", err)
	}
	if len(f.transport.Sent()) != 1 {
		t.Fatal("second resume must not send")
	}
}

func TestResumeLeavesFreshInFlightRecipients(t *testing.T) {
	f := newFixture(t, defaultLimit)
	ctx := context.Background()
	c := f.campaign(t, "Hi {name}", named("A", "+1"))
	f.d.Activate(ctx, c.ID)
	recs := f.recipients(t, c.ID)
	f.store.Recipients().Transition(ctx, model.RecipientTransition{RecipientID: recs[0].ID, CampaignID: c.ID, From: model.RecipientPending, To: model.RecipientSending})

	res, err := f.d.Resume(ctx, c.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.StaleFailed != 0 || res.Completed {
		t.Fatalf("fresh sending recipient must block completion, got %+v", res)
	}
	if f.reload(t, c.ID).Status != model.CampaignSending {
		t.Fatal("campaign should still be sending")
	}
}

func TestResumeSkipsCampaignAlreadyRunning(t *testing.T) {
	f := newFixture(t, defaultLimit)
	c := f.campaign(t, "Hi {name}", named("A", "+1"))
	f.d.Activate(context.Background(), c.ID)

	f.d.lock(c.ID)
	res, err := f.d.Resume(context.Background(), c.ID)
	if err != nil || !res.AlreadyRunning {
		t.Fatalf("expected skip, got %+v %v", res, err)
	}
	if len(f.transport.Sent()) != 0 {
		t.Fatal("skipped resume must not send")
	}
}

func TestCheckCompletionIsIdempotent(t *testing.T) {
	f := newFixture(t, defaultLimit)
	ctx := context.Background()
	c := f.campaign(t, "Hi {name}", named("A", "+1"))
	f.d.StartCampaign(ctx, c.ID)
	before := f.reload(t, c.ID)

	for i := 0; i < 2; i++ {
		done, err := f.d.CheckCompletion(ctx, c.ID)
		if err != nil || done {
			t.Fatalf("repeat completion check changed state: %v %v", done, err)
		}
	}
	after := f.reload(t, c.ID)
	if after.Status != before.Status || !after.CompletedAt.Equal(*before.CompletedAt) {
		t.Fatal("completion check mutated a finished campaign")
	}
	if f.events.count(model.EventCampaignCompleted) != 1 {
		t.Fatalf("expected a single completion event, got %d", f.events.count(model.EventCampaignCompleted))
	}
}

func TestCancelStopsFurtherSends(t *testing.T) {
	f := newFixture(t, defaultLimit)
	ctx := context.Background()
	c := f.campaign(t, "Hi {name}", named("A", "+1"), named("B", "+2"), named("C", "+3"), named("D", "+4"))

	var sends atomic.Int32
	f.transport.Fail = func(string) error {
		if sends.Add(1) == 1 {
			if _, err := f.d.Cancel(ctx, c.ID); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}
		return nil
	}

	res, err := f.d.StartCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Stopped || res.Sent != 1 || res.Status != model.CampaignCancelled {
		t.Fatalf("expected pass to stop after the in-flight send, got %+v", res)
	}
	got := f.reload(t, c.ID)
	if got.Status != model.CampaignCancelled || got.SentCount != 1 || got.FailedCount != 3 {
		t.Fatalf("unexpected campaign %+v", got)
	}
	assertConservation(t, got)
	if f.events.count(model.EventCampaignCancelled) != 1 {
		t.Fatal("expected campaign.cancelled event")
	}
}

func TestCancelFinishedCampaign(t *testing.T) {
	f := newFixture(t, defaultLimit)
	c := f.campaign(t, "Hi {name}", named("A", "+1"))
	f.d.StartCampaign(context.Background(), c.ID)

	_, err := f.d.Cancel(context.Background(), c.ID)
	var invalid *appErrors.ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestTransientSendErrorsAreRetried(t *testing.T) {
	f := newFixture(t, defaultLimit)
	var calls atomic.Int32
	f.transport.Fail = func(string) error {
		if calls.Add(1) <= 2 {
			return &transport.Error{Code: transport.CodeRateLimited, Message: "slow down", RetryAfter: 3 * time.Second}
		}
		return nil
	}
	c := f.campaign(t, "Hi {name}", named("A", "+1"))

	res, err := f.d.StartCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("expected success after retries, got %+v", res)
	}
	if len(f.sleeper.waits) != 2 || f.sleeper.waits[0] != 3*time.Second {
		t.Fatalf("expected provider retry-after waits, got %v", f.sleeper.waits)
	}
}

func TestTransientRetriesAreBounded(t *testing.T) {
	f := newFixture(t, defaultLimit)
	var calls atomic.Int32
	f.transport.Fail = func(string) error {
		calls.Add(1)
		return &transport.Error{Code: transport.CodeTimeout, Message: "timeout"}
	}
	c := f.campaign(t, "Hi {name}", named("A", "+1"))

	res, _ := f.d.StartCampaign(context.Background(), c.ID)
	if calls.Load() != 4 {
		t.Fatalf("expected 1 attempt + 3 retries, got %d", calls.Load())
	}
	if res.Failed != 1 || f.reload(t, c.ID).Status != model.CampaignFailed {
		t.Fatalf("expected recipient failure, got %+v", res)
	}
}

type failingTransitions struct {
	repository.RecipientRepositoryInterface
}

func (failingTransitions) Transition(context.Context, model.RecipientTransition) (bool, error) {
	return false, errors.New("connection reset")
}

func TestStoreErrorAbortsPassAndKeepsSending(t *testing.T) {
	f := newFixture(t, defaultLimit)
	c := f.campaign(t, "Hi {name}", named("A", "+1"))
	f.d.Recipients = failingTransitions{f.store.Recipients()}

	if _, err := f.d.StartCampaign(context.Background(), c.ID); err == nil {
		t.Fatal("expected store error to surface")
	}
	if got := f.reload(t, c.ID); got.Status != model.CampaignSending {
		t.Fatalf("campaign should stay sending for resume, got %s", got.Status)
	}
	if len(f.transport.Sent()) != 0 {
		t.Fatal("nothing may be sent without a claim")
	}
}

type flakyLimiter struct {
	calls atomic.Int32
}

func (l *flakyLimiter) TryAcquire(context.Context, string, string) (ratelimit.Decision, error) {
	if l.calls.Add(1) == 1 {
		return ratelimit.Decision{}, errors.New("redis down")
	}
	return ratelimit.Decision{Allowed: true}, nil
}

func TestLimiterErrorIsABackoffNotAFailure(t *testing.T) {
	f := newFixture(t, defaultLimit)
	f.d.Limiter = &flakyLimiter{}
	c := f.campaign(t, "Hi {name}", named("A", "+1"))

	res, err := f.d.StartCampaign(context.Background(), c.ID)
	if err != nil || res.Sent != 1 {
		t.Fatalf("expected send after limiter recovered, got %+v %v", res, err)
	}
	if len(f.sleeper.waits) != 1 {
		t.Fatalf("expected one limiter back-off, got %v", f.sleeper.waits)
	}
}
