package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	headerAttempt    = "x-attempt"
	headerMaxRetries = "x-max-retries"
)

// AMQPQueue publishes jobs to durable RabbitMQ queues, one per topic.
// A failed delivery is acked at once and republished with an incremented
// x-attempt header after a backoff, so waiting retries never hold a prefetch
// slot. Exhausted jobs are acked and counted as failed.
type AMQPQueue struct {
	conn *amqp.Connection

	pubMu sync.Mutex
	pub   *amqp.Channel

	workers    int
	backoff    time.Duration
	maxBackoff time.Duration
	log        *zap.Logger

	// ctx is handed to handlers and cancelled by Close.
	ctx       context.Context
	cancel    context.CancelFunc
	republish func(ctx context.Context, topic string, body []byte, attempt, maxRetries int) error

	mu       sync.Mutex
	declared map[string]bool
	counters map[string]*amqpCounters

	retryMu sync.Mutex
	retries map[*pendingRetry]struct{}
}

type amqpCounters struct {
	active, completed, failed, delayed atomic.Int64
}

// pendingRetry is a failed job waiting out its backoff before republish.
type pendingRetry struct {
	topic      string
	body       []byte
	attempt    int
	maxRetries int
	counters   *amqpCounters
	timer      *time.Timer
}

func DialAMQP(url string, workers int, backoff time.Duration, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	q := newAMQPQueue(workers, backoff, log)
	q.conn = conn
	q.pub = ch
	q.republish = q.publish
	return q, nil
}

func newAMQPQueue(workers int, backoff time.Duration, log *zap.Logger) *AMQPQueue {
	if workers <= 0 {
		workers = 4
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPQueue{
		workers:    workers,
		backoff:    backoff,
		maxBackoff: 30 * time.Second,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		declared:   map[string]bool{},
		counters:   map[string]*amqpCounters{},
		retries:    map[*pendingRetry]struct{}{},
	}
}

func (q *AMQPQueue) counter(topic string) *amqpCounters {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.counters[topic]
	if !ok {
		c = &amqpCounters{}
		q.counters[topic] = c
	}
	return c
}

func (q *AMQPQueue) declare(ch *amqp.Channel, topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[topic] {
		return nil
	}
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	o := buildOptions(opts)
	return q.publish(ctx, topic, body, 1, o.maxRetries)
}

func (q *AMQPQueue) publish(ctx context.Context, topic string, body []byte, attempt, maxRetries int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.declare(q.pub, topic); err != nil {
		return err
	}
	return q.pub.Publish(
		"",    // default exchange
		topic, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				headerAttempt:    int32(attempt),
				headerMaxRetries: int32(maxRetries),
			},
			Body: body,
		},
	)
}

// Subscribe consumes the topic on its own channel with manual acks.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := q.declare(ch, topic); err != nil {
		return err
	}
	if err := ch.Qos(q.workers, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	c := q.counter(topic)
	for i := 0; i < q.workers; i++ {
		go func() {
			for d := range deliveries {
				q.handle(topic, c, handler, d)
			}
		}()
	}
	return nil
}

func (q *AMQPQueue) handle(topic string, c *amqpCounters, handler Handler, d amqp.Delivery) {
	attempt := headerInt(d.Headers, headerAttempt, 1)
	maxRetries := headerInt(d.Headers, headerMaxRetries, 3)

	c.active.Add(1)
	err := handler(q.ctx, Message{Topic: topic, Body: d.Body, Attempt: attempt})
	c.active.Add(-1)

	if err == nil {
		c.completed.Add(1)
		d.Ack(false)
		return
	}
	if q.ctx.Err() != nil {
		// Shutting down: hand the job back to the broker untouched.
		d.Nack(false, true)
		return
	}
	if attempt > maxRetries {
		c.failed.Add(1)
		q.log.Warn("job permanently failed", zap.String("topic", topic), zap.Int("attempts", attempt), zap.Error(err))
		d.Ack(false)
		return
	}

	wait := Backoff(q.backoff, q.maxBackoff, attempt)
	q.log.Debug("job failed, retrying",
		zap.String("topic", topic), zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
	d.Ack(false)
	q.scheduleRetry(&pendingRetry{topic: topic, body: d.Body, attempt: attempt + 1, maxRetries: maxRetries, counters: c}, wait)
}

func (q *AMQPQueue) scheduleRetry(r *pendingRetry, wait time.Duration) {
	r.counters.delayed.Add(1)
	q.retryMu.Lock()
	q.retries[r] = struct{}{}
	r.timer = time.AfterFunc(wait, func() { q.fire(r) })
	q.retryMu.Unlock()
}

// fire republishes r. The timer and Close may both call it; only the first does anything.
func (q *AMQPQueue) fire(r *pendingRetry) {
	q.retryMu.Lock()
	_, ok := q.retries[r]
	delete(q.retries, r)
	q.retryMu.Unlock()
	if !ok {
		return
	}
	r.counters.delayed.Add(-1)
	if err := q.republish(context.Background(), r.topic, r.body, r.attempt, r.maxRetries); err != nil {
		r.counters.failed.Add(1)
		q.log.Error("failed to requeue job",
			zap.String("topic", r.topic), zap.Int("attempt", r.attempt), zap.Error(err))
	}
}

// Stats combines broker-side waiting counts with this process's counters.
func (q *AMQPQueue) Stats() map[string]Stats {
	q.mu.Lock()
	topics := make(map[string]*amqpCounters, len(q.counters))
	for k, v := range q.counters {
		topics[k] = v
	}
	q.mu.Unlock()

	out := make(map[string]Stats, len(topics))
	for name, c := range topics {
		s := Stats{
			Active:    c.active.Load(),
			Completed: c.completed.Load(),
			Failed:    c.failed.Load(),
			Delayed:   c.delayed.Load(),
		}
		q.pubMu.Lock()
		if q.pub != nil {
			if info, err := q.pub.QueueInspect(name); err == nil {
				s.Waiting = int64(info.Messages)
			}
		}
		q.pubMu.Unlock()
		out[name] = s
	}
	return out
}

// Close stops handing out contexts, republishes retries still in backoff
// so they survive the restart, and closes the connection.
func (q *AMQPQueue) Close() error {
	q.cancel()

	q.retryMu.Lock()
	pending := make([]*pendingRetry, 0, len(q.retries))
	for r := range q.retries {
		r.timer.Stop()
		pending = append(pending, r)
	}
	q.retryMu.Unlock()
	for _, r := range pending {
		q.fire(r)
	}

	q.pubMu.Lock()
	if q.pub != nil {
		q.pub.Close()
	}
	q.pubMu.Unlock()
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// headerInt reads an integer header written by any AMQP client.
func headerInt(h amqp.Table, key string, fallback int) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	}
	return fallback
}
