package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for the service, mirroring the
// teacher's frameworks/pkg/monitoring.MetricsCollector.
type MetricsCollector struct {
	serviceName string

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec

	registry      *prometheus.Registry
	customMetrics map[string]prometheus.Collector
}

// NewMetricsCollector creates a metrics collector scoped to its own registry
// (rather than the global default registry) so repeated instantiation in
// tests doesn't panic on duplicate registration.
func NewMetricsCollector(serviceName, version string) *MetricsCollector {
	sanitized := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		serviceName:   sanitized,
		registry:      prometheus.NewRegistry(),
		customMetrics: make(map[string]prometheus.Collector),
	}

	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_active_connections",
			Help: "Number of active client sessions",
		},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service build information",
		},
		[]string{"version"},
	)

	mc.registry.MustRegister(mc.httpRequestsTotal, mc.httpRequestDuration, mc.activeConnections, mc.serviceInfo)
	mc.serviceInfo.WithLabelValues(version).Set(1)

	return mc
}

// RegisterCustomMetric registers a component-specific metric on the
// collector's registry.
func (mc *MetricsCollector) RegisterCustomMetric(name string, metric prometheus.Collector) {
	mc.customMetrics[name] = metric
	mc.registry.MustRegister(metric)
}

// NewCounter creates and registers a counter scoped to the service name.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: mc.serviceName + "_" + name, Help: help},
		labels,
	)
	mc.RegisterCustomMetric(name, counter)
	return counter
}

// NewGauge creates and registers a gauge scoped to the service name.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: mc.serviceName + "_" + name, Help: help},
		labels,
	)
	mc.RegisterCustomMetric(name, gauge)
	return gauge
}

// NewHistogram creates and registers a histogram scoped to the service name.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: mc.serviceName + "_" + name, Help: help, Buckets: buckets},
		labels,
	)
	mc.RegisterCustomMetric(name, histogram)
	return histogram
}

// DropCounter is a single labeled counter shared by every drop path in the
// pipeline (spec.md §4.4/§4.5/§4.6's decode_errors, dropped_missing_field,
// buffer_overflow, dropped_rate_limit). Components hold a *DropCounter
// instead of the raw CounterVec so Inc is safe to call on a nil receiver
// when no MetricsCollector was wired (e.g. in unit tests).
type DropCounter struct {
	counter *prometheus.CounterVec
}

// Inc increments the drops_total counter for the given reason. A nil
// *DropCounter (no MetricsCollector configured) is a no-op.
func (dc *DropCounter) Inc(reason string) {
	if dc == nil || dc.counter == nil {
		return
	}
	dc.counter.WithLabelValues(reason).Inc()
}

// NewDropCounter registers the shared "drops_total" counter, labeled by
// reason, on this collector's registry.
func (mc *MetricsCollector) NewDropCounter() *DropCounter {
	return &DropCounter{counter: mc.NewCounter("drops_total", "Count of dropped events by reason", []string{"reason"})}
}

// MetricsMiddleware returns gin middleware recording HTTP request metrics.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(duration)
	}
}

// Handler serves the registry in Prometheus exposition format.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
