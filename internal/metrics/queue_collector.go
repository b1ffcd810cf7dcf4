// internal/metrics/queue_collector.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
)

var queueJobsDesc = prometheus.NewDesc(
	"queue_jobs",
	"Jobs per queue topic and state",
	[]string{"topic", "state"}, nil,
)

// QueueCollector exports queue depth at scrape time. Topics must be
// distinct across sources.
type QueueCollector struct {
	sources []queue.StatsProvider
}

func NewQueueCollector(sources ...queue.StatsProvider) *QueueCollector {
	return &QueueCollector{sources: sources}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueJobsDesc
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, source := range c.sources {
		for topic, s := range source.Stats() {
			for state, v := range map[string]int64{
				"waiting":   s.Waiting,
				"active":    s.Active,
				"completed": s.Completed,
				"failed":    s.Failed,
				"delayed":   s.Delayed,
			} {
				ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(v), topic, state)
			}
		}
	}
}
