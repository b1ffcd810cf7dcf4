package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/transport"
)

const testTenant = "tenant-1"

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) RouteEvent(_ context.Context, e model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(t model.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeSleeper records waits instead of sleeping and moves the limiter clock.
type fakeSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
	clock *fakeClock
}

func (s *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return nil
}

// fakeQueue records published payloads without running them.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []DispatchJob
	err  error
}

func (q *fakeQueue) Publish(_ context.Context, topic string, payload any, _ ...queue.PublishOption) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := payload.(DispatchJob); ok {
		q.jobs = append(q.jobs, job)
	}
	return nil
}

func (q *fakeQueue) Subscribe(string, queue.Handler) error { return nil }

func (q *fakeQueue) published() []DispatchJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DispatchJob(nil), q.jobs...)
}

type fixture struct {
	store     *repository.MemoryStore
	clock     *fakeClock
	sleeper   *fakeSleeper
	limiter   *ratelimit.MemoryLimiter
	transport *transport.MockTransport
	events    *recordingPublisher
	d         *Dispatcher
	tracker   *Tracker
}

func newFixture(t *testing.T, limit ratelimit.Config) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	sleeper := &fakeSleeper{clock: clock}
	limiter := ratelimit.NewMemoryLimiter(limit).WithClock(clock.Now)
	tr := transport.NewMockTransport(0, false)
	events := &recordingPublisher{}

	d := NewDispatcher(store.Campaigns(), store.Recipients(), store.Customers(), limiter, tr, events, nil, zap.NewNop(),
		DispatcherConfig{BatchSize: 2, TransientRetries: 3, StaleAfter: 5 * time.Minute})
	d.sleep = sleeper.sleep

	return &fixture{
		store:     store,
		clock:     clock,
		sleeper:   sleeper,
		limiter:   limiter,
		transport: tr,
		events:    events,
		d:         d,
		tracker:   NewTracker(store.Recipients(), store.Campaigns(), events, nil, zap.NewNop()),
	}
}

// campaign creates a draft campaign addressed to the given contacts.
func (f *fixture) campaign(t *testing.T, template string, contacts ...model.Customer) *model.Campaign {
	t.Helper()
	ids := make([]int, 0, len(contacts))
	for _, c := range contacts {
		c.TenantID = testTenant
		ids = append(ids, f.store.AddCustomer(c))
	}
	c := &model.Campaign{
		TenantID:     testTenant,
		SessionID:    "session-1",
		Name:         "promo",
		Channel:      "sms",
		BaseTemplate: template,
		Source:       model.RecipientSource{ContactIDs: ids},
	}
	if err := f.store.Campaigns().Create(context.Background(), c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func (f *fixture) reload(t *testing.T, id int) *model.Campaign {
	t.Helper()
	c, err := f.store.Campaigns().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	return c
}

func (f *fixture) recipients(t *testing.T, campaignID int) []*model.Recipient {
	t.Helper()
	var out []*model.Recipient
	for id := 1; ; id++ {
		r, err := f.store.Recipients().GetByID(context.Background(), id)
		if appErrors.IsNotFound(err) {
			return out
		}
		if err != nil {
			t.Fatalf("get recipient: %v", err)
		}
		if r.CampaignID == campaignID {
			out = append(out, r)
		}
	}
}

func named(first, phone string) model.Customer {
	return model.Customer{FirstName: first, Phone: phone}
}

func assertConservation(t *testing.T, c *model.Campaign) {
	t.Helper()
	if c.SentCount+c.FailedCount > c.TotalCount {
		t.Fatalf("sent %d + failed %d exceeds total %d", c.SentCount, c.FailedCount, c.TotalCount)
	}
	if c.Status.Terminal() && c.SentCount+c.FailedCount != c.TotalCount {
		t.Fatalf("terminal campaign: sent %d + failed %d != total %d", c.SentCount, c.FailedCount, c.TotalCount)
	}
}
