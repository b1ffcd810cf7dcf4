package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// InMemoryQueue runs jobs on a bounded pool of goroutines per topic and
// retries failed jobs with exponential backoff.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	topics   map[string]*topic
	closed   bool

	workers     int
	buffer      int
	backoff     time.Duration
	maxBackoff  time.Duration
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	outstanding sync.WaitGroup
}

type topic struct {
	name string
	jobs chan job

	waiting, active, completed, failed, delayed atomic.Int64
}

// job wraps a message payload with retry info
type job struct {
	handler    Handler
	body       []byte
	attempt    int
	maxRetries int
}

type MemoryOption func(*InMemoryQueue)

func WithWorkers(n int) MemoryOption {
	return func(q *InMemoryQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithBackoff(base, max time.Duration) MemoryOption {
	return func(q *InMemoryQueue) {
		if base > 0 {
			q.backoff = base
		}
		if max >= q.backoff {
			q.maxBackoff = max
		}
	}
}

func WithLogger(log *zap.Logger) MemoryOption {
	return func(q *InMemoryQueue) { q.log = log }
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(opts ...MemoryOption) *InMemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		topics:     make(map[string]*topic),
		workers:    4,
		buffer:     1024,
		backoff:    500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		log:        zap.NewNop(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Subscribe adds a handler for a topic and starts the topic's workers on first use.
func (q *InMemoryQueue) Subscribe(name string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("subscribe %s: queue closed", name)
	}
	q.handlers[name] = append(q.handlers[name], handler)
	q.topicLocked(name)
	return nil
}

func (q *InMemoryQueue) topicLocked(name string) *topic {
	t, ok := q.topics[name]
	if ok {
		return t
	}
	t = &topic{name: name, jobs: make(chan job, q.buffer)}
	q.topics[name] = t
	for i := 0; i < q.workers; i++ {
		go q.work(t)
	}
	return t
}

// Publish hands one job per subscriber to the topic's workers.
func (q *InMemoryQueue) Publish(ctx context.Context, name string, payload any, opts ...PublishOption) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	o := buildOptions(opts)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("publish %s: queue closed", name)
	}
	handlers := append([]Handler(nil), q.handlers[name]...)
	t := q.topics[name]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w %s", ErrNoSubscribers, name)
	}

	for _, h := range handlers {
		j := job{handler: h, body: body, attempt: 1, maxRetries: o.maxRetries}
		q.outstanding.Add(1)
		t.waiting.Add(1)
		select {
		case t.jobs <- j:
		case <-ctx.Done():
			t.waiting.Add(-1)
			q.outstanding.Done()
			return ctx.Err()
		}
	}
	return nil
}

func (q *InMemoryQueue) work(t *topic) {
	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-t.jobs:
			t.waiting.Add(-1)
			q.process(t, j)
		}
	}
}

// process runs one attempt and either finishes the job or schedules a retry.
func (q *InMemoryQueue) process(t *topic, j job) {
	t.active.Add(1)
	err := q.run(t, j)
	t.active.Add(-1)

	if err == nil {
		t.completed.Add(1)
		q.outstanding.Done()
		return
	}

	if j.attempt > j.maxRetries {
		t.failed.Add(1)
		q.log.Warn("job permanently failed",
			zap.String("topic", t.name), zap.Int("attempts", j.attempt), zap.Error(err))
		q.outstanding.Done()
		return
	}

	wait := Backoff(q.backoff, q.maxBackoff, j.attempt)
	q.log.Debug("job failed, retrying",
		zap.String("topic", t.name), zap.Int("attempt", j.attempt), zap.Duration("backoff", wait), zap.Error(err))
	j.attempt++
	t.delayed.Add(1)
	time.AfterFunc(wait, func() {
		t.delayed.Add(-1)
		t.waiting.Add(1)
		select {
		case t.jobs <- j:
		case <-q.ctx.Done():
			t.waiting.Add(-1)
			q.outstanding.Done()
		}
	})
}

func (q *InMemoryQueue) run(t *topic, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return j.handler(q.ctx, Message{Topic: t.name, Body: j.body, Attempt: j.attempt})
}

// Stats reports job counts per topic.
func (q *InMemoryQueue) Stats() map[string]Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Stats, len(q.topics))
	for name, t := range q.topics {
		out[name] = Stats{
			Waiting:   t.waiting.Load(),
			Active:    t.active.Load(),
			Completed: t.completed.Load(),
			Failed:    t.failed.Load(),
			Delayed:   t.delayed.Load(),
		}
	}
	return out
}

// Drain waits until every published job has completed or failed for good.
func (q *InMemoryQueue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.outstanding.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers. Jobs still queued are dropped.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	return nil
}
