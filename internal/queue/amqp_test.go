package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

func TestHeaderInt(t *testing.T) {
	h := amqp.Table{"a": int32(4), "b": int64(2), "c": "nope"}
	if got := headerInt(h, "a", 1); got != 4 {
		t.Errorf("expected 4, got %d", got)
	}
	if got := headerInt(h, "b", 1); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := headerInt(h, "c", 1); got != 1 {
		t.Errorf("expected fallback for wrong type, got %d", got)
	}
	if got := headerInt(nil, "missing", 3); got != 3 {
		t.Errorf("expected fallback for missing header, got %d", got)
	}
}

type fakeAcker struct {
	mu       sync.Mutex
	acks     int
	requeued int
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	if requeue {
		a.requeued++
	}
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Reject(uint64, bool) error { return nil }

func (a *fakeAcker) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.requeued
}

type republished struct {
	topic   string
	attempt int
}

func testAMQPQueue(backoff time.Duration) (*AMQPQueue, chan republished) {
	q := newAMQPQueue(1, backoff, zap.NewNop())
	out := make(chan republished, 10)
	q.republish = func(_ context.Context, topic string, _ []byte, attempt, _ int) error {
		out <- republished{topic: topic, attempt: attempt}
		return nil
	}
	return q, out
}

func delivery(ack amqp.Acknowledger, attempt, maxRetries int) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		Headers:      amqp.Table{headerAttempt: int32(attempt), headerMaxRetries: int32(maxRetries)},
		Body:         []byte(`{}`),
	}
}

func failing(context.Context, Message) error { return errors.New("endpoint down") }

func TestAMQPFailedJobIsAckedBeforeBackoff(t *testing.T) {
	q, out := testAMQPQueue(time.Hour)
	ack := &fakeAcker{}

	start := time.Now()
	q.handle("jobs", q.counter("jobs"), failing, delivery(ack, 1, 3))
	if time.Since(start) > time.Second {
		t.Fatal("handle must not wait out the backoff")
	}
	if acks, _ := ack.counts(); acks != 1 {
		t.Fatalf("expected delivery acked, got %d acks", acks)
	}
	if got := q.Stats()["jobs"]; got.Delayed != 1 {
		t.Fatalf("expected 1 delayed job, got %+v", got)
	}
	select {
	case r := <-out:
		t.Fatalf("republished before backoff: %+v", r)
	default:
	}

	// Close flushes retries still waiting.
	q.Close()
	select {
	case r := <-out:
		if r.topic != "jobs" || r.attempt != 2 {
			t.Fatalf("unexpected republish %+v", r)
		}
	default:
		t.Fatal("expected pending retry republished on close")
	}
	if got := q.Stats()["jobs"]; got.Delayed != 0 {
		t.Fatalf("expected no delayed jobs after close, got %+v", got)
	}
}

func TestAMQPRetryRepublishesAfterBackoff(t *testing.T) {
	q, out := testAMQPQueue(5 * time.Millisecond)
	defer q.Close()

	q.handle("jobs", q.counter("jobs"), failing, delivery(&fakeAcker{}, 2, 3))
	select {
	case r := <-out:
		if r.attempt != 3 {
			t.Fatalf("expected attempt 3, got %d", r.attempt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected republish after backoff")
	}
}

func TestAMQPExhaustedJobIsCountedFailed(t *testing.T) {
	q, out := testAMQPQueue(time.Millisecond)
	defer q.Close()
	ack := &fakeAcker{}

	q.handle("jobs", q.counter("jobs"), failing, delivery(ack, 4, 3))
	if acks, _ := ack.counts(); acks != 1 {
		t.Fatalf("expected ack, got %d", acks)
	}
	if got := q.Stats()["jobs"]; got.Failed != 1 || got.Delayed != 0 {
		t.Fatalf("unexpected stats %+v", got)
	}
	select {
	case r := <-out:
		t.Fatalf("exhausted job must not be republished: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAMQPHandlerContextEndsOnClose(t *testing.T) {
	q, out := testAMQPQueue(time.Millisecond)
	ack := &fakeAcker{}

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.handle("jobs", q.counter("jobs"), func(ctx context.Context, _ Message) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, delivery(ack, 1, 3))
		close(done)
	}()

	<-started
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled by close")
	}
	if acks, requeued := ack.counts(); acks != 0 || requeued != 1 {
		t.Fatalf("expected job handed back to the broker, got acks=%d requeued=%d", acks, requeued)
	}
	select {
	case r := <-out:
		t.Fatalf("interrupted job must not be republished: %+v", r)
	default:
	}
}
