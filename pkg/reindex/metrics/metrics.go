// Package metrics exports reindexing instrumentation to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
)

const namespace = "reindex"

// Collector is a reindex.Observer backed by Prometheus metrics.
type Collector struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobDuration  prometheus.Histogram
	jobsRunning  prometheus.Gauge

	records *prometheus.CounterVec

	bulkLatency  prometheus.Histogram
	bulkPayload  prometheus.Histogram
	bulkPending  prometheus.Gauge
	backpressure prometheus.Counter

	promotions         *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
}

var _ reindex.Observer = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg. A nil
// reg registers with the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of reindexing jobs started",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of reindexing jobs finished, by final status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of reindexing jobs",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Number of reindexing jobs currently running",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records handled per stage, entity type and outcome",
		}, []string{"stage", "entity_type", "outcome"}),
		bulkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_request_seconds",
			Help:      "Latency of bulk indexing requests",
			Buckets:   prometheus.DefBuckets,
		}),
		bulkPayload: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_request_bytes",
			Help:      "Payload size of bulk indexing requests",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		bulkPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bulk_requests_pending",
			Help:      "Bulk indexing requests currently in flight",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_events_total",
			Help:      "Times a write waited on the circuit breaker",
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_promotions_total",
			Help:      "Staged index promotions, by entity type and result",
		}, []string{"entity_type", "result"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"transition"}),
	}

	reg.MustRegister(
		c.jobsStarted,
		c.jobsFinished,
		c.jobDuration,
		c.jobsRunning,
		c.records,
		c.bulkLatency,
		c.bulkPayload,
		c.bulkPending,
		c.backpressure,
		c.promotions,
		c.breakerTransitions,
	)
	return c
}

func (c *Collector) JobStarted(string) {
	c.jobsStarted.Inc()
	c.jobsRunning.Inc()
}

func (c *Collector) JobFinished(_ string, status reindex.Status, elapsed time.Duration) {
	c.jobsFinished.WithLabelValues(string(status)).Inc()
	c.jobDuration.Observe(elapsed.Seconds())
	c.jobsRunning.Dec()
}

func (c *Collector) StageRecorded(stage reindex.Stage, entityType string, success, failed, warnings int64) {
	add := func(outcome string, n int64) {
		if n > 0 {
			c.records.WithLabelValues(string(stage), entityType, outcome).Add(float64(n))
		}
	}
	add("success", success)
	add("failed", failed)
	add("warning", warnings)
}

func (c *Collector) BulkRequest(elapsed time.Duration, payloadBytes int) {
	c.bulkLatency.Observe(elapsed.Seconds())
	c.bulkPayload.Observe(float64(payloadBytes))
}

func (c *Collector) PendingBulkRequests(n int) {
	c.bulkPending.Set(float64(n))
}

func (c *Collector) BackpressureEvent() {
	c.backpressure.Inc()
}

func (c *Collector) PromotionResult(entityType string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.promotions.WithLabelValues(entityType, result).Inc()
}

func (c *Collector) BreakerTransition(transition string) {
	c.breakerTransitions.WithLabelValues(transition).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
