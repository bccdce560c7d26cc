package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "textcls"

// Metrics holds the runtime's Prometheus collectors on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   prometheus.Histogram
	inflight          prometheus.Gauge
	batchesTotal      *prometheus.CounterVec
	batchSize         prometheus.Histogram
	queueWait         prometheus.Histogram
	inferenceDuration prometheus.Histogram
	cacheLookups      *prometheus.CounterVec
	modelInfo         *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Inference requests by outcome code.",
		}, []string{"code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end inference request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_inflight",
			Help:      "Inference requests currently being served.",
		}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_total",
			Help:      "Backend batch calls by result.",
		}, []string{"result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "batch_size",
			Help:      "Encoded inputs per backend call.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "queue_wait_seconds",
			Help:      "Average time requests waited before their batch ran.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "inference_duration_seconds",
			Help:      "Backend forward pass latency per batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by outcome.",
		}, []string{"outcome"}),
		modelInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "model_info",
			Help:      "Loaded model backend and artifact digest.",
		}, []string{"backend", "digest", "max_length"}),
	}
	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.inflight,
		m.batchesTotal,
		m.batchSize,
		m.queueWait,
		m.inferenceDuration,
		m.cacheLookups,
		m.modelInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RecordRequestStart() {
	m.inflight.Inc()
}

func (m *Metrics) RecordRequestDone(latency time.Duration, code string) {
	m.inflight.Dec()
	m.requestsTotal.WithLabelValues(code).Inc()
	m.requestDuration.Observe(nonNegative(latency).Seconds())
}

func (m *Metrics) RecordBatchStats(
	batchSize int,
	avgQueueWait time.Duration,
	inferenceTime time.Duration,
	success bool,
) {
	result := "ok"
	if !success {
		result = "error"
	}
	m.batchesTotal.WithLabelValues(result).Inc()
	m.batchSize.Observe(float64(max(batchSize, 0)))
	m.queueWait.Observe(nonNegative(avgQueueWait).Seconds())
	m.inferenceDuration.Observe(nonNegative(inferenceTime).Seconds())
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) SetModelInfo(backend string, digest string, maxLength int) {
	m.modelInfo.Reset()
	m.modelInfo.WithLabelValues(backend, digest, strconv.Itoa(maxLength)).Set(1)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func nonNegative(value time.Duration) time.Duration {
	if value < 0 {
		return 0
	}
	return value
}
