package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors for the batch engine and ops server.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	batchesTotal        *prometheus.CounterVec
	outcomesTotal       *prometheus.CounterVec
	gatewayCallDuration *prometheus.HistogramVec
	workerInflight      *prometheus.GaugeVec
	proxyPoolSize       *prometheus.GaugeVec
	creditDebitsTotal   *prometheus.CounterVec
	creditExhausted     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "validation_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "validation_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "validation_engine",
				Name:      "batches_total",
				Help:      "Total number of batches by terminal state.",
			},
			[]string{"state"},
		),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "validation_engine",
				Name:      "outcomes_total",
				Help:      "Total number of processed work items by gateway and outcome status.",
			},
			[]string{"gateway", "status"},
		),
		gatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "validation_engine",
				Name:      "gateway_call_duration_seconds",
				Help:      "Gateway call duration in seconds grouped by gateway.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"gateway"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "validation_engine",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight gateway calls grouped by gateway.",
			},
			[]string{"gateway"},
		),
		proxyPoolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "validation_engine",
				Name:      "proxy_pool_size",
				Help:      "Proxy pool size grouped by endpoint health.",
			},
			[]string{"health"},
		),
		creditDebitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "validation_engine",
				Name:      "credit_debits_total",
				Help:      "Total number of applied credit debits by gateway.",
			},
			[]string{"gateway"},
		),
		creditExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "validation_engine",
				Name:      "credit_exhausted_total",
				Help:      "Total number of batches halted by credit exhaustion.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesTotal,
		m.outcomesTotal,
		m.gatewayCallDuration,
		m.workerInflight,
		m.proxyPoolSize,
		m.creditDebitsTotal,
		m.creditExhausted,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatch(state string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(normalizeLabel(state)).Inc()
}

func (m *Metrics) IncOutcome(gateway, status string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(normalizeLabel(gateway), normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveGatewayCallDuration(gateway string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.gatewayCallDuration.WithLabelValues(normalizeLabel(gateway)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(gateway string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(gateway)).Inc()
}

func (m *Metrics) DecWorkerInFlight(gateway string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(gateway)).Dec()
}

func (m *Metrics) SetProxyPoolSize(health string, size int) {
	if m == nil {
		return
	}
	m.proxyPoolSize.WithLabelValues(normalizeLabel(health)).Set(float64(size))
}

func (m *Metrics) IncCreditDebit(gateway string) {
	if m == nil {
		return
	}
	m.creditDebitsTotal.WithLabelValues(normalizeLabel(gateway)).Inc()
}

func (m *Metrics) IncCreditExhausted() {
	if m == nil {
		return
	}
	m.creditExhausted.Inc()
}

func (m *Metrics) recordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if route := c.Route(); route != nil && route.Path != "" {
		return route.Path
	}
	return c.Path()
}

func statusFromResult(c *fiber.Ctx, err error) string {
	status := c.Response().StatusCode()
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			status = fiberErr.Code
		} else if status < fiber.StatusBadRequest {
			status = fiber.StatusInternalServerError
		}
	}
	return strconv.Itoa(status)
}

func normalizeLabel(value string) string {
	normalized := strings.TrimSpace(strings.ToLower(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
