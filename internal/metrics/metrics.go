package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal *prometheus.CounterVec
	relayDuration     *prometheus.HistogramVec
	relayBytes        *prometheus.CounterVec
	relayRetries      *prometheus.CounterVec
	authFailures      *prometheus.CounterVec
	backendErrors     *prometheus.CounterVec
	poolInUse         *prometheus.GaugeVec
	poolIdle          *prometheus.GaugeVec
	poolExhausted     *prometheus.CounterVec
	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		relayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_duration_seconds",
				Help:    "End-to-end relay duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		relayBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_bytes_total",
				Help: "Total body bytes relayed",
			},
			[]string{"direction"}, // "in" or "out"
		),
		relayRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_retries_total",
				Help: "Total relay attempts beyond the first",
			},
			[]string{"method"},
		),
		authFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_failures_total",
				Help: "Total signature verification failures",
			},
			[]string{"reason"},
		),
		backendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_errors_total",
				Help: "Total backend transport errors",
			},
			[]string{"endpoint"},
		),
		poolInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_connections_in_use",
				Help: "Backend connections currently in use",
			},
			[]string{"endpoint"},
		),
		poolIdle: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_connections_idle",
				Help: "Backend connections currently idle",
			},
			[]string{"endpoint"},
		),
		poolExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_exhausted_total",
				Help: "Total acquires that timed out waiting for a connection slot",
			},
			[]string{"endpoint"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordRequest records one relayed request.
func (m *Metrics) RecordRequest(method string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, code).Inc()
	m.relayDuration.WithLabelValues(method, code).Observe(duration.Seconds())
}

// RecordBytes records relayed body bytes for one direction ("in" or "out").
func (m *Metrics) RecordBytes(direction string, n int64) {
	m.relayBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordRetry records one retry attempt.
func (m *Metrics) RecordRetry(method string) {
	m.relayRetries.WithLabelValues(method).Inc()
}

// RecordAuthFailure records a signature verification failure by reason.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// RecordBackendError records a transport-level backend failure.
func (m *Metrics) RecordBackendError(endpoint string) {
	m.backendErrors.WithLabelValues(endpoint).Inc()
}

// RecordPoolExhausted records an acquire that gave up waiting.
func (m *Metrics) RecordPoolExhausted(endpoint string) {
	m.poolExhausted.WithLabelValues(endpoint).Inc()
}

// SetPoolGauges publishes a pool snapshot for one endpoint.
func (m *Metrics) SetPoolGauges(endpoint string, inUse, idle int) {
	m.poolInUse.WithLabelValues(endpoint).Set(float64(inUse))
	m.poolIdle.WithLabelValues(endpoint).Set(float64(idle))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
