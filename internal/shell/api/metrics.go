package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

const (
	metricsNamespace = "slipway"
	metricsSubsystem = "api"
)

// histogramBuckets cover the expected latency range, from fast reads to
// slow provider-backed lookups.
var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds the API's instrumentation. Collectors register against the
// default registry; re-registration reuses the existing collector, so
// multiple handlers in one process share one set.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	deployments   *prometheus.CounterVec
	streamClients prometheus.Gauge
}

// NewMetrics creates and registers the API metric collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: registerCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		duration: registerHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and route pattern.",
			Buckets:   histogramBuckets,
		}, []string{"method", "route"}),
		deployments: registerCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "deployments_total",
			Help:      "Deployment lifecycle actions taken through the API.",
		}, []string{"action"}),
		streamClients: registerGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "stream_clients",
			Help:      "Connected deployment event stream clients.",
		}),
	}
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// DeploymentAction counts a deployment action ("triggered", "cancelled").
func (m *Metrics) DeploymentAction(action string) {
	m.deployments.WithLabelValues(action).Inc()
}

// StreamConnected adjusts the connected stream client gauge.
func (m *Metrics) StreamConnected(delta float64) {
	m.streamClients.Add(delta)
}

func registerCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}

func registerHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	if err := prometheus.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return h
}

func registerGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	if err := prometheus.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return g
}

// =============================================================================
// Instrumentation Middleware
// =============================================================================

// instrument records request counts and latency labeled by the matched
// route pattern, keeping cardinality bounded regardless of path values.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			// Hijacked connections never write a status.
			status = http.StatusSwitchingProtocols
		}
		h.metrics.ObserveRequest(r.Method, route, status, time.Since(start))
	})
}
