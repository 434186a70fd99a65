// Package metrics exposes Prometheus instrumentation for the artifact cache.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "datasheet"

// Fetch outcomes.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Collector groups the cache metrics. All methods are safe on a nil
// *Collector, which records nothing.
type Collector struct {
	registry *prometheus.Registry

	fetchesTotal      *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	fetchBytes        *prometheus.CounterVec
	fetchesInFlight   prometheus.Gauge
	fetchJoins        *prometheus.CounterVec
	lookupsTotal      *prometheus.CounterVec
	evictionsTotal    prometheus.Counter
	evictedBytes      prometheus.Counter
	evictionRuns      *prometheus.CounterVec
	cacheBytes        prometheus.Gauge
	savedArtifacts    prometheus.Gauge
	imageDecodeErrors prometheus.Counter
}

// New creates a collector registered on a private registry.
func New() *Collector {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a collector registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		fetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetches_total",
			Help:      "Remote fetches by artifact kind and result.",
		}, []string{"kind", "result"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of remote fetches.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"}),
		fetchBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetch_bytes_total",
			Help:      "Bytes received from the remote source.",
		}, []string{"kind"}),
		fetchesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "fetches_in_flight",
			Help:      "Document fetches currently registered.",
		}),
		fetchJoins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetch_joins_total",
			Help:      "Callers that waited on a fetch owned by another caller.",
		}, []string{"operation"}),
		lookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lookups_total",
			Help:      "Artifact lookups by the state they resolved to.",
		}, []string{"operation", "state"}),
		evictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "evictions_total",
			Help:      "Cached documents removed by the evictor.",
		}),
		evictedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "evicted_bytes_total",
			Help:      "Bytes freed by the evictor.",
		}),
		evictionRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "eviction_runs_total",
			Help:      "Evictor passes by result.",
		}, []string{"result"}),
		cacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "document_cache_bytes",
			Help:      "Size of the document cache after the last eviction pass.",
		}),
		savedArtifacts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "saved_artifacts",
			Help:      "Number of records in the saved list.",
		}),
		imageDecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "image_decode_errors_total",
			Help:      "Cached images that failed to decode.",
		}),
	}
}

// Registry returns the registry the collector is registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// WriteTextfile writes the current metric values in the text exposition format
// to path, for pickup by a node exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}

// RecordFetch records a completed remote fetch.
func (c *Collector) RecordFetch(kind string, d time.Duration, bytes int64, err error) {
	if c == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	c.fetchesTotal.WithLabelValues(kind, result).Inc()
	c.fetchDuration.WithLabelValues(kind).Observe(d.Seconds())
	if bytes > 0 {
		c.fetchBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

// FetchStarted increments the in-flight gauge.
func (c *Collector) FetchStarted() {
	if c != nil {
		c.fetchesInFlight.Inc()
	}
}

// FetchEnded decrements the in-flight gauge.
func (c *Collector) FetchEnded() {
	if c != nil {
		c.fetchesInFlight.Dec()
	}
}

// RecordJoin records a caller waiting on another caller's fetch.
func (c *Collector) RecordJoin(operation string) {
	if c != nil {
		c.fetchJoins.WithLabelValues(operation).Inc()
	}
}

// RecordLookup records the state an operation resolved.
func (c *Collector) RecordLookup(operation, state string) {
	if c != nil {
		c.lookupsTotal.WithLabelValues(operation, state).Inc()
	}
}

// RecordEviction records one evicted entry.
func (c *Collector) RecordEviction(size int64) {
	if c == nil {
		return
	}
	c.evictionsTotal.Inc()
	c.evictedBytes.Add(float64(size))
}

// RecordEvictionRun records the end of an evictor pass.
func (c *Collector) RecordEvictionRun(cacheBytes int64, err error) {
	if c == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	c.evictionRuns.WithLabelValues(result).Inc()
	c.cacheBytes.Set(float64(cacheBytes))
}

// SetSavedArtifacts sets the saved list size gauge.
func (c *Collector) SetSavedArtifacts(n int) {
	if c != nil {
		c.savedArtifacts.Set(float64(n))
	}
}

// RecordImageDecodeError records an undecodable cached image.
func (c *Collector) RecordImageDecodeError() {
	if c != nil {
		c.imageDecodeErrors.Inc()
	}
}
