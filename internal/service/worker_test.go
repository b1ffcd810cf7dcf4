package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
)

type fakeRunner struct {
	started, resumed []int
	err              error
}

func (r *fakeRunner) StartCampaign(_ context.Context, id int) (*DispatchResult, error) {
	r.started = append(r.started, id)
	if r.err != nil {
		return nil, r.err
	}
	return &DispatchResult{CampaignID: id}, nil
}

func (r *fakeRunner) Resume(_ context.Context, id int) (*DispatchResult, error) {
	r.resumed = append(r.resumed, id)
	if r.err != nil {
		return nil, r.err
	}
	return &DispatchResult{CampaignID: id}, nil
}

func message(t *testing.T, job any) queue.Message {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	return queue.Message{Topic: queue.TopicCampaignDispatch, Body: body, Attempt: 1}
}

func TestWorkerRoutesActions(t *testing.T) {
	r := &fakeRunner{}
	w := NewWorker(r, zap.NewNop())

	if err := w.Handle(context.Background(), message(t, DispatchJob{CampaignID: 1, Action: ActionStart})); err != nil {
		t.Fatal(err)
	}
	if err := w.Handle(context.Background(), message(t, DispatchJob{CampaignID: 2, Action: ActionResume})); err != nil {
		t.Fatal(err)
	}
	if len(r.started) != 1 || r.started[0] != 1 || len(r.resumed) != 1 || r.resumed[0] != 2 {
		t.Fatalf("unexpected routing: started=%v resumed=%v", r.started, r.resumed)
	}
}

func TestWorkerAcksPermanentOutcomes(t *testing.T) {
	for _, err := range []error{
		appErrors.ErrCampaignAlreadySending,
		appErrors.ErrCampaignNotSending,
		appErrors.NewCampaignNotFound(9),
		appErrors.NewInvalidTransition("campaign", "completed", "sending"),
	} {
		w := NewWorker(&fakeRunner{err: err}, zap.NewNop())
		if got := w.Handle(context.Background(), message(t, DispatchJob{CampaignID: 9, Action: ActionResume})); got != nil {
			t.Errorf("%v should not be retried, got %v", err, got)
		}
	}
}

func TestWorkerRetriesStoreErrors(t *testing.T) {
	w := NewWorker(&fakeRunner{err: errors.New("db down")}, zap.NewNop())
	if err := w.Handle(context.Background(), message(t, DispatchJob{CampaignID: 3})); err == nil {
		t.Fatal("store errors must be retried")
	}
}

func TestWorkerDropsMalformedJobs(t *testing.T) {
	w := NewWorker(&fakeRunner{}, zap.NewNop())
	if err := w.Handle(context.Background(), queue.Message{Body: []byte("{not json")}); err != nil {
		t.Fatalf("malformed job should be acked, got %v", err)
	}
}

func TestWorkerRunsCampaignThroughQueue(t *testing.T) {
	f := newFixture(t, defaultLimit)
	q := queue.NewInMemoryQueue()
	defer q.Close()
	if err := NewWorker(f.d, zap.NewNop()).Register(q); err != nil {
		t.Fatal(err)
	}
	c := f.campaign(t, "Hi {name}", named("A", "+1"), named("B", "+2"))

	if err := EnqueueDispatch(context.Background(), q, c.ID, ActionStart); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t, c.ID); got.SentCount != 2 || got.Status != "completed" {
		t.Fatalf("unexpected campaign after queued dispatch %+v", got)
	}
}
