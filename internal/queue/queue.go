package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	TopicCampaignDispatch  = "campaign_dispatch"
	TopicWebhookEvents     = "webhook_events"
	TopicWebhookDeliveries = "webhook_deliveries"
)

var ErrNoSubscribers = errors.New("no subscribers for topic")

// Message is one delivery of a published payload to a handler.
// Attempt starts at 1.
type Message struct {
	Topic   string
	Body    []byte
	Attempt int
}

func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Handler processes a message. A returned error schedules a retry until the
// job's retries are exhausted.
type Handler func(ctx context.Context, msg Message) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) error
	Subscribe(topic string, handler Handler) error
}

// Stats is the job count per state for one topic.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// StatsProvider is implemented by queues that can report depth per topic.
type StatsProvider interface {
	Stats() map[string]Stats
}

type publishOptions struct {
	maxRetries int
}

type PublishOption func(*publishOptions)

// WithMaxRetries sets how many times a failed job is retried after the first attempt.
func WithMaxRetries(n int) PublishOption {
	return func(o *publishOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

func buildOptions(opts []PublishOption) publishOptions {
	o := publishOptions{maxRetries: 3}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Backoff returns the wait before retry number `attempt` (1-based):
// base, 2*base, 4*base ... capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
