// Package metrics provides Prometheus metrics for the slotrank service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultRefreshInterval = 5 * time.Second
)

// Decision outcome labels.
const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Manager owns every Prometheus collector of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Submission pipeline
	submissionsAccepted prometheus.Counter
	submissionsRejected *prometheus.CounterVec
	scoringLatency      prometheus.Histogram
	scoreDistribution   prometheus.Histogram

	// Slot allocation
	slotDecisions      *prometheus.CounterVec
	slotReleases       *prometheus.CounterVec
	slotLockTimeouts   prometheus.Counter
	allocationLatency  prometheus.Histogram
	activeSlotHolder   prometheus.Gauge
	activeSlotExpiryTS prometheus.Gauge

	// Store
	storeOperationLatency *prometheus.HistogramVec
	storeErrors           *prometheus.CounterVec
	storeSubmissionsTotal prometheus.Gauge

	// Ranking cache
	cacheWrites       prometheus.Counter
	cacheErrors       *prometheus.CounterVec
	cacheQueryLatency prometheus.Histogram
	cacheEntries      prometheus.Gauge

	// Cache repair pipeline
	repairQueueSize     prometheus.Gauge
	repairQueueCapacity prometheus.Gauge
	repairEnqueued      prometheus.Counter
	repairDropped       prometheus.Counter
	repairCompleted     prometheus.Counter
	repairRetries       prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorsByEndpoint    *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // registry served at /healthz

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewMetricsManager(WithPrometheusRegistry(customRegistry))
}

// NewMetricsManager creates a new metrics manager with default configuration.
func NewMetricsManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "slotrank",
		subsystem:        "engine",
		histogramBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: buckets, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: m.histogramBuckets, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.submissionsAccepted = m.counter("submissions_accepted_total", "Total number of submissions persisted")
	m.submissionsRejected = m.counterVec("submissions_rejected_total", "Total number of rejected submissions by reason", "reason")
	m.scoringLatency = m.histogram("scoring_latency_milliseconds", "Score computation latency in milliseconds", m.histogramBuckets)
	m.scoreDistribution = m.histogram("score_distribution", "Distribution of computed scores", prometheus.LinearBuckets(0, 10, 11))

	m.slotDecisions = m.counterVec("slot_decisions_total", "Slot allocation attempts by outcome", "outcome")
	m.slotReleases = m.counterVec("slot_releases_total", "Expired slots released by sweep trigger", "trigger")
	m.slotLockTimeouts = m.counter("slot_lock_timeouts_total", "Allocation transactions that failed to acquire the slot lock in time")
	m.allocationLatency = m.histogram("allocation_latency_milliseconds", "Latency of try_allocate transactions in milliseconds", m.histogramBuckets)
	m.activeSlotHolder = m.gauge("active_slot_submission_id", "Submission id currently holding the slot, 0 when free")
	m.activeSlotExpiryTS = m.gauge("active_slot_expiry_unix", "Unix timestamp at which the current slot expires, 0 when free")

	m.storeOperationLatency = m.histogramVec("store_operation_latency_milliseconds", "Submission store operation latency in milliseconds", "operation")
	m.storeErrors = m.counterVec("store_errors_total", "Submission store errors by operation and kind", "operation", "kind")
	m.storeSubmissionsTotal = m.gauge("store_submissions", "Number of submissions in the durable store")

	m.cacheWrites = m.counter("cache_writes_total", "Successful ranking cache writes")
	m.cacheErrors = m.counterVec("cache_errors_total", "Ranking cache failures by operation", "operation")
	m.cacheQueryLatency = m.histogram("cache_query_latency_milliseconds", "Ranking cache top-N latency in milliseconds", m.histogramBuckets)
	m.cacheEntries = m.gauge("cache_entries", "Entries held by the ranking cache")

	m.repairQueueSize = m.gauge("repair_queue_size", "Pending cache repair jobs")
	m.repairQueueCapacity = m.gauge("repair_queue_capacity", "Capacity of the cache repair queue")
	m.repairEnqueued = m.counter("repair_enqueued_total", "Cache repair jobs enqueued")
	m.repairDropped = m.counter("repair_dropped_total", "Cache repair jobs dropped on backpressure")
	m.repairCompleted = m.counter("repair_completed_total", "Cache repair jobs applied")
	m.repairRetries = m.counter("repair_retries_total", "Cache repair retries")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")
	m.errorsByEndpoint = m.counterVec("errors_by_endpoint_total", "Total number of errors by endpoint", "endpoint", "method", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// RecordSubmissionAccepted counts a persisted submission and its score.
func RecordSubmissionAccepted(score float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.submissionsAccepted.Inc()
	globalManager.scoreDistribution.Observe(score)
}

// RecordSubmissionRejected counts a rejected submission.
func RecordSubmissionRejected(reason string) {
	if !globalManager.enabled {
		return
	}
	globalManager.submissionsRejected.WithLabelValues(reason).Inc()
}

// RecordScoringLatency records scoring latency in milliseconds.
func RecordScoringLatency(latencyMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.scoringLatency.Observe(latencyMs)
}

// RecordSlotDecision counts an allocation attempt outcome.
func RecordSlotDecision(outcome string) {
	if !globalManager.enabled {
		return
	}
	globalManager.slotDecisions.WithLabelValues(outcome).Inc()
}

// RecordSlotReleases counts slots released by a sweep.
func RecordSlotReleases(trigger string, n int) {
	if !globalManager.enabled {
		return
	}
	if n <= 0 {
		return
	}
	globalManager.slotReleases.WithLabelValues(trigger).Add(float64(n))
}

// RecordSlotLockTimeout counts an allocation that timed out on the slot lock.
func RecordSlotLockTimeout() {
	if !globalManager.enabled {
		return
	}
	globalManager.slotLockTimeouts.Inc()
}

// RecordAllocationLatency records the latency of one allocation transaction.
func RecordAllocationLatency(latencyMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.allocationLatency.Observe(latencyMs)
}

// UpdateActiveSlot publishes the current slot holder; id 0 means no holder.
func UpdateActiveSlot(id int64, expiresAt time.Time) {
	if !globalManager.enabled {
		return
	}
	globalManager.activeSlotHolder.Set(float64(id))
	if id == 0 {
		globalManager.activeSlotExpiryTS.Set(0)
		return
	}
	globalManager.activeSlotExpiryTS.Set(float64(expiresAt.Unix()))
}

// RecordStoreLatency records the latency of a store operation.
func RecordStoreLatency(operation string, latencyMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.storeOperationLatency.WithLabelValues(operation).Observe(latencyMs)
}

// RecordStoreError counts a store failure.
func RecordStoreError(operation, kind string) {
	if !globalManager.enabled {
		return
	}
	globalManager.storeErrors.WithLabelValues(operation, kind).Inc()
}

// UpdateStoreSubmissions sets the number of stored submissions.
func UpdateStoreSubmissions(count int64) {
	if !globalManager.enabled {
		return
	}
	globalManager.storeSubmissionsTotal.Set(float64(count))
}

// RecordCacheWrite counts a successful cache write.
func RecordCacheWrite() {
	if !globalManager.enabled {
		return
	}
	globalManager.cacheWrites.Inc()
}

// RecordCacheError counts a cache failure.
func RecordCacheError(operation string) {
	if !globalManager.enabled {
		return
	}
	globalManager.cacheErrors.WithLabelValues(operation).Inc()
}

// RecordCacheQueryLatency records cache top-N latency.
func RecordCacheQueryLatency(latencyMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.cacheQueryLatency.Observe(latencyMs)
}

// UpdateCacheEntries sets the number of cached ranking entries.
func UpdateCacheEntries(count int) {
	if !globalManager.enabled {
		return
	}
	globalManager.cacheEntries.Set(float64(count))
}

// UpdateRepairQueue publishes repair queue depth and capacity.
func UpdateRepairQueue(size, capacity int) {
	if !globalManager.enabled {
		return
	}
	globalManager.repairQueueSize.Set(float64(size))
	globalManager.repairQueueCapacity.Set(float64(capacity))
}

// RecordRepairEnqueued counts an enqueued repair job.
func RecordRepairEnqueued() {
	if !globalManager.enabled {
		return
	}
	globalManager.repairEnqueued.Inc()
}

// RecordRepairDropped counts a dropped repair job.
func RecordRepairDropped() {
	if !globalManager.enabled {
		return
	}
	globalManager.repairDropped.Inc()
}

// RecordRepairCompleted counts an applied repair job.
func RecordRepairCompleted() {
	if !globalManager.enabled {
		return
	}
	globalManager.repairCompleted.Inc()
}

// RecordRepairRetry counts a repair retry.
func RecordRepairRetry() {
	if !globalManager.enabled {
		return
	}
	globalManager.repairRetries.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if !globalManager.enabled {
		return
	}
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	if !globalManager.enabled {
		return
	}
	globalManager.errorsByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if !globalManager.enabled {
		return
	}
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	if !globalManager.enabled {
		return
	}
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// SinceMs returns the elapsed milliseconds since start as a float.
func SinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// RefreshInterval returns how often gauge-style metrics should be refreshed.
func RefreshInterval() time.Duration {
	return globalManager.refreshInterval
}

// Enabled reports whether metrics collection is on.
func Enabled() bool {
	return globalManager.enabled
}

// Configure applies runtime options to the global manager before it is used.
// Only WithMetricsEnabled and WithRefreshInterval take effect here, since the
// collectors are registered at init.
func Configure(opts ...Option) {
	m := &Manager{enabled: globalManager.enabled, refreshInterval: globalManager.refreshInterval}
	for _, opt := range opts {
		opt(m)
	}
	globalManager.enabled = m.enabled
	globalManager.refreshInterval = m.refreshInterval
}
