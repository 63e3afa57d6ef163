package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "model_registry"

	metricNameCacheHits       = "object_cache_hits_total"
	metricNameCacheMisses     = "object_cache_misses_total"
	metricNameCacheEvictions  = "object_cache_evictions_total"
	metricNameCacheBytes      = "object_cache_bytes"
	metricNameConversions     = "conversions_total"
	metricNameScans           = "scans_total"
	metricNameScanDuration    = "scan_duration_seconds"
	metricNameRegisteredModel = "registered_models"

	metricLabelType   = "type"
	metricLabelResult = "result"

	// ResultSuccess and ResultFailure are the values of the result label.
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Recorder records registry metrics.
type Recorder interface {
	CacheHit(modelType string)
	CacheMiss(modelType string)
	CacheEviction()
	SetCacheBytes(n int64)
	Conversion(result string)
	ObserveScan(d time.Duration, result string)
	SetRegisteredModels(n int)
}

// Monitor holds and updates Prometheus metrics.
type Monitor struct {
	reg prometheus.Registerer

	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheEvictions  prometheus.Counter
	cacheBytes      prometheus.Gauge
	conversions     *prometheus.CounterVec
	scans           *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	registeredModel prometheus.Gauge
}

// scanBuckets are the buckets for scan durations from 10ms to 2 minutes.
var scanBuckets = []float64{
	.01, .05, .1, .5, 1, 2, 5, 10, 30, 60, 120,
}

// NewMonitor returns a new Monitor whose collectors are registered to reg.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		reg: reg,
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricNameCacheHits,
				Help:      "Number of object cache lookups served from memory.",
			},
			[]string{metricLabelType},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricNameCacheMisses,
				Help:      "Number of object cache lookups that loaded a model.",
			},
			[]string{metricLabelType},
		),
		cacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricNameCacheEvictions,
				Help:      "Number of loaded models evicted from the object cache.",
			},
		),
		cacheBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      metricNameCacheBytes,
				Help:      "Total size of the models held by the object cache.",
			},
		),
		conversions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricNameConversions,
				Help:      "Number of model format conversions.",
			},
			[]string{metricLabelResult},
		),
		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricNameScans,
				Help:      "Number of model directory scans.",
			},
			[]string{metricLabelResult},
		),
		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      metricNameScanDuration,
				Buckets:   scanBuckets,
			},
		),
		registeredModel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      metricNameRegisteredModel,
				Help:      "Number of registered models.",
			},
		),
	}

	reg.MustRegister(m.collectors()...)
	return m
}

func (m *Monitor) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.cacheBytes,
		m.conversions,
		m.scans,
		m.scanDuration,
		m.registeredModel,
	}
}

// CacheHit records an object cache hit.
func (m *Monitor) CacheHit(modelType string) {
	m.cacheHits.WithLabelValues(modelType).Inc()
}

// CacheMiss records an object cache miss.
func (m *Monitor) CacheMiss(modelType string) {
	m.cacheMisses.WithLabelValues(modelType).Inc()
}

// CacheEviction records an object cache eviction.
func (m *Monitor) CacheEviction() {
	m.cacheEvictions.Inc()
}

// SetCacheBytes sets the total size held by the object cache.
func (m *Monitor) SetCacheBytes(n int64) {
	m.cacheBytes.Set(float64(n))
}

// Conversion records a format conversion.
func (m *Monitor) Conversion(result string) {
	m.conversions.WithLabelValues(result).Inc()
}

// ObserveScan records a scan and its duration.
func (m *Monitor) ObserveScan(d time.Duration, result string) {
	m.scans.WithLabelValues(result).Inc()
	m.scanDuration.Observe(float64(d) / float64(time.Second))
}

// SetRegisteredModels sets the number of registered models.
func (m *Monitor) SetRegisteredModels(n int) {
	m.registeredModel.Set(float64(n))
}

// UnregisterAllCollectors unregisters all collectors.
func (m *Monitor) UnregisterAllCollectors() {
	for _, c := range m.collectors() {
		m.reg.Unregister(c)
	}
}

// Noop is a Recorder that discards everything.
type Noop struct{}

// CacheHit implements Recorder.
func (Noop) CacheHit(string) {}

// CacheMiss implements Recorder.
func (Noop) CacheMiss(string) {}

// CacheEviction implements Recorder.
func (Noop) CacheEviction() {}

// SetCacheBytes implements Recorder.
func (Noop) SetCacheBytes(int64) {}

// Conversion implements Recorder.
func (Noop) Conversion(string) {}

// ObserveScan implements Recorder.
func (Noop) ObserveScan(time.Duration, string) {}

// SetRegisteredModels implements Recorder.
func (Noop) SetRegisteredModels(int) {}
