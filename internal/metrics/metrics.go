// internal/metrics/metrics.go
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
)

// Metrics holds the dispatch engine's collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	sends          *prometheus.CounterVec
	sendDuration   prometheus.Histogram
	rateLimited    prometheus.Counter
	callbacks      *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	campaignsEnded *prometheus.CounterVec

	sent   atomic.Int64
	failed atomic.Int64
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_sends_total",
			Help: "Recipient send outcomes",
		}, []string{"result"}),
		sendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Duration of transport sends",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5, 10},
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_rate_limited_total",
			Help: "Token requests denied by the rate limiter",
		}),
		callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_callbacks_total",
			Help: "Delivery status callbacks by status and whether they changed state",
		}, []string{"status", "applied"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts",
		}, []string{"result"}),
		campaignsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campaigns_finished_total",
			Help: "Campaigns that reached a terminal status",
		}, []string{"status"}),
	}
}

func (m *Metrics) SendSucceeded(d time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues("sent").Inc()
	m.sendDuration.Observe(d.Seconds())
	m.sent.Add(1)
}

func (m *Metrics) SendFailed(d time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues("failed").Inc()
	if d > 0 {
		m.sendDuration.Observe(d.Seconds())
	}
	m.failed.Add(1)
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) Callback(status string, applied bool) {
	if m == nil {
		return
	}
	a := "false"
	if applied {
		a = "true"
	}
	m.callbacks.WithLabelValues(status, a).Inc()
}

func (m *Metrics) WebhookAttempt(success bool) {
	if m == nil {
		return
	}
	if success {
		m.webhooks.WithLabelValues("success").Inc()
		return
	}
	m.webhooks.WithLabelValues("failure").Inc()
}

func (m *Metrics) CampaignFinished(status string) {
	if m == nil {
		return
	}
	m.campaignsEnded.WithLabelValues(status).Inc()
}

// FailureRate is failed / (sent + failed) over the process lifetime.
func (m *Metrics) FailureRate() float64 {
	if m == nil {
		return 0
	}
	sent, failed := m.sent.Load(), m.failed.Load()
	if sent+failed == 0 {
		return 0
	}
	return float64(failed) / float64(sent+failed)
}

// Snapshot is the operational view served on /ops/metrics.
type Snapshot struct {
	Queues      map[string]queue.Stats `json:"queues"`
	Sent        int64                  `json:"sent"`
	Failed      int64                  `json:"failed"`
	FailureRate float64                `json:"failure_rate"`
}

func (m *Metrics) Snapshot(queues ...queue.StatsProvider) Snapshot {
	s := Snapshot{Queues: map[string]queue.Stats{}}
	for _, q := range queues {
		if q == nil {
			continue
		}
		for name, st := range q.Stats() {
			s.Queues[name] = st
		}
	}
	if m != nil {
		s.Sent = m.sent.Load()
		s.Failed = m.failed.Load()
		s.FailureRate = m.FailureRate()
	}
	return s
}
