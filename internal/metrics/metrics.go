// Package metrics exposes Prometheus instrumentation for the document
// engine: operation counts/durations, cipher throughput, blinded-index cache
// hit rate, and process-level gauges. Exemplars link a metric sample back to
// the OTel trace that produced it, the same pairing internal/document's
// spans and internal/audit's events describe independently.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	// EnableSuiteLabel controls whether cipher metrics carry a "suite" label.
	// Disabling it collapses recommended/fips into one series, useful for a
	// deployment that only ever runs one suite and wants lower cardinality.
	EnableSuiteLabel bool
}

// Metrics holds all engine-level Prometheus collectors.
type Metrics struct {
	config Config

	documentOperationsTotal   *prometheus.CounterVec
	documentOperationDuration *prometheus.HistogramVec

	cipherOperationsTotal   *prometheus.CounterVec
	cipherOperationDuration *prometheus.HistogramVec
	cipherBytesTotal        *prometheus.CounterVec

	indexCacheHits   prometheus.Gauge
	indexCacheMisses prometheus.Gauge

	bufferPoolHits   prometheus.Gauge
	bufferPoolMisses prometheus.Gauge

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge

	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance registered against the default
// Prometheus registry, with per-suite cipher labels enabled.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableSuiteLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the given config.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance against a custom
// registry — used in tests to avoid duplicate-registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableSuiteLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		documentOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edv_document_operations_total",
				Help: "Total number of document engine operations (insert/update/delete/get/find/update_index)",
			},
			[]string{"operation", "result"},
		),
		documentOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edv_document_operation_duration_seconds",
				Help:    "Document engine operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		cipherOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edv_cipher_operations_total",
				Help: "Total number of cipher pipeline operations (encrypt/decrypt)",
			},
			[]string{"operation", "suite"},
		),
		cipherOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edv_cipher_operation_duration_seconds",
				Help:    "Cipher pipeline operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation", "suite"},
		),
		cipherBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edv_cipher_bytes_total",
				Help: "Total plaintext bytes processed by the cipher pipeline",
			},
			[]string{"operation"},
		),
		indexCacheHits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edv_index_cache_hits",
				Help: "Cumulative blinded-index HMAC cache hits",
			},
		),
		indexCacheMisses: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edv_index_cache_misses",
				Help: "Cumulative blinded-index HMAC cache misses",
			},
		),
		bufferPoolHits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edv_buffer_pool_hits",
				Help: "Cumulative cipher buffer pool hits",
			},
		),
		bufferPoolMisses: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edv_buffer_pool_misses",
				Help: "Cumulative cipher buffer pool misses",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edv_goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edv_memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edv_memory_sys_bytes",
				Help: "Total bytes of memory obtained from the OS",
			},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edv_hardware_acceleration_enabled",
				Help: "AES hardware acceleration availability (1=available, 0=unavailable)",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) suiteLabel(suite string) string {
	if !m.config.EnableSuiteLabel {
		return "*"
	}
	if suite == "" {
		return "unknown"
	}
	return suite
}

// RecordDocumentOperation implements document.EngineMetrics. When ctx
// carries a valid span, the sample is tagged with an exemplar linking it to
// that trace.
func (m *Metrics) RecordDocumentOperation(ctx context.Context, op string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	labels := prometheus.Labels{"operation": op, "result": result}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.documentOperationsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.documentOperationsTotal.With(labels).Inc()
		}
		if observer, ok := m.documentOperationDuration.WithLabelValues(op).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.documentOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
		}
		return
	}
	m.documentOperationsTotal.With(labels).Inc()
	m.documentOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCipherOperation implements document.EngineMetrics.
func (m *Metrics) RecordCipherOperation(ctx context.Context, op, suite string, duration time.Duration, bytes int) {
	suiteLabel := m.suiteLabel(suite)
	labels := prometheus.Labels{"operation": op, "suite": suiteLabel}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.cipherOperationsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.cipherOperationsTotal.With(labels).Inc()
		}
		if observer, ok := m.cipherOperationDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.cipherOperationDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.cipherOperationsTotal.With(labels).Inc()
		m.cipherOperationDuration.With(labels).Observe(duration.Seconds())
	}
	m.cipherBytesTotal.WithLabelValues(op).Add(float64(bytes))
}

// RecordIndexCacheStats implements document.EngineMetrics. The blindindex
// builder's cache counters are cumulative, so these are gauges set to the
// latest total rather than counters incremented per call.
func (m *Metrics) RecordIndexCacheStats(hits, misses int64) {
	m.indexCacheHits.Set(float64(hits))
	m.indexCacheMisses.Set(float64(misses))
}

// RecordBufferPoolStats records the cipher package's buffer pool hit/miss
// counters (cipher.Pipeline.BufferStats), cumulative like the index cache.
func (m *Metrics) RecordBufferPoolStats(hits, misses int64) {
	m.bufferPoolHits.Set(float64(hits))
	m.bufferPoolMisses.Set(float64(misses))
}

// SetHardwareAccelerationStatus records whether AES hardware acceleration is
// available for a given cipher type ("aes-ni", "armv8-aes", ...).
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// UpdateSystemMetrics refreshes goroutine/memory gauges from runtime stats.
func (m *Metrics) UpdateSystemMetrics() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(stats.Alloc))
	m.memorySysBytes.Set(float64(stats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically refreshes
// system-level gauges until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from ctx, for pairing a metric sample with
// the span internal/document's Engine opened for the same operation.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
