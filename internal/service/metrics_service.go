package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-offline-sync/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface
// and the sync engine, and keeps lightweight counters for status snapshots.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	pushes          *prometheus.CounterVec
	pulled          *prometheus.CounterVec
	retries         *prometheus.CounterVec
	pending         prometheus.Gauge

	cycleCount     uint64
	cycleFailures  uint64
	pushCount      uint64
	pushFailures   uint64
	retryCount     uint64
	requestCount   uint64
	lastCycleNanos int64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_cycles_total",
		Help: "Sync cycles by trigger and outcome",
	}, []string{"trigger", "outcome"})

	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_cycle_duration_seconds",
		Help:    "Duration of complete sync cycles",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	pushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_push_operations_total",
		Help: "Pushed operation log entries by entity, operation and outcome",
	}, []string{"entity", "operation", "outcome"})

	pulled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_pulled_records_total",
		Help: "Records received from the server during pull",
	}, []string{"entity"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_retry_attempts_total",
		Help: "Backoff retries performed by the retry handler",
	}, []string{"entity"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_pending_operations",
		Help: "Unresolved operation log entries",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cycles, cycleDuration, pushes, pulled, retries, pending, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cycles:          cycles,
		cycleDuration:   cycleDuration,
		pushes:          pushes,
		pulled:          pulled,
		retries:         retries,
		pending:         pending,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// ObserveCycle records a finished sync cycle.
func (m *MetricsService) ObserveCycle(result models.CycleResult) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case result.Partial():
		outcome = "partial"
	case !result.Succeeded():
		outcome = "failure"
	}
	m.cycles.WithLabelValues(string(result.Trigger), outcome).Inc()
	duration := result.FinishedAt.Sub(result.StartedAt)
	if duration >= 0 {
		m.cycleDuration.Observe(duration.Seconds())
	}
	atomic.AddUint64(&m.cycleCount, 1)
	if outcome != "success" {
		atomic.AddUint64(&m.cycleFailures, 1)
	}
	atomic.StoreInt64(&m.lastCycleNanos, duration.Nanoseconds())

	for _, e := range result.Entities {
		if e.Pulled > 0 {
			m.pulled.WithLabelValues(string(e.Entity)).Add(float64(e.Pulled))
		}
	}
}

// ObserveSkippedCycle counts a trigger dropped because a cycle was running.
func (m *MetricsService) ObserveSkippedCycle(trigger models.SyncTrigger) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(string(trigger), "skipped").Inc()
}

// ObservePush records one delivered or failed operation.
func (m *MetricsService) ObservePush(entity models.EntityType, kind models.OperationKind, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
		atomic.AddUint64(&m.pushFailures, 1)
	}
	m.pushes.WithLabelValues(string(entity), string(kind), outcome).Inc()
	atomic.AddUint64(&m.pushCount, 1)
}

// ObserveRetry counts one backoff retry.
func (m *MetricsService) ObserveRetry(entity models.EntityType) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(entity)).Inc()
	atomic.AddUint64(&m.retryCount, 1)
}

// SetPending publishes the unresolved operation count.
func (m *MetricsService) SetPending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

// Snapshot returns aggregated counters for the status endpoint.
func (m *MetricsService) Snapshot() models.SyncMetrics {
	if m == nil {
		return models.SyncMetrics{}
	}
	return models.SyncMetrics{
		Cycles:          atomic.LoadUint64(&m.cycleCount),
		CycleFailures:   atomic.LoadUint64(&m.cycleFailures),
		Pushes:          atomic.LoadUint64(&m.pushCount),
		PushFailures:    atomic.LoadUint64(&m.pushFailures),
		Retries:         atomic.LoadUint64(&m.retryCount),
		Requests:        atomic.LoadUint64(&m.requestCount),
		LastCycleMillis: float64(atomic.LoadInt64(&m.lastCycleNanos)) / float64(time.Millisecond),
		Goroutines:      runtime.NumGoroutine(),
		GeneratedAt:     time.Now().UTC(),
	}
}
