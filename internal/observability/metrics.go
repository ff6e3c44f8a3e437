package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// LabelUnknown replaces client-supplied label values outside the known set.
const LabelUnknown = "unknown"

// Metrics holds all Prometheus metric instruments for caseflow.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowActionsTotal   *prometheus.CounterVec
	WorkflowActionDuration *prometheus.HistogramVec

	// Realtime metrics
	ConnectionsActive      prometheus.Gauge
	DeliveriesTotal        *prometheus.CounterVec
	ConnectionsPrunedTotal prometheus.Counter
	InboundMessagesTotal   *prometheus.CounterVec
	InboundMalformedTotal  prometheus.Counter

	// System metrics
	RosterReloadTotal *prometheus.CounterVec
	ActorsLoaded      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		WorkflowActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_actions_total",
			Help: "Total number of workflow actions by outcome code.",
		}, []string{"action", "outcome"}),
		WorkflowActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_workflow_action_duration_seconds",
			Help:    "Workflow action duration in seconds, including lock wait.",
			Buckets: actionDurationBuckets,
		}, []string{"action"}),

		// Realtime
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_connections_active",
			Help: "Number of registered realtime connections.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_deliveries_total",
			Help: "Total envelope deliveries by envelope type and outcome.",
		}, []string{"type", "outcome"}),
		ConnectionsPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_connections_pruned_total",
			Help: "Total connections removed after a failed delivery.",
		}),
		InboundMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_inbound_messages_total",
			Help: "Total inbound client messages by type.",
		}, []string{"type"}),
		InboundMalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_inbound_malformed_total",
			Help: "Total inbound client messages that could not be handled.",
		}),

		// System
		RosterReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_roster_reload_total",
			Help: "Total actor roster reloads.",
		}, []string{"status"}),
		ActorsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_actors_loaded",
			Help: "Number of actors in the loaded roster.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.WorkflowActionsTotal,
		m.WorkflowActionDuration,
		// Realtime
		m.ConnectionsActive,
		m.DeliveriesTotal,
		m.ConnectionsPrunedTotal,
		m.InboundMessagesTotal,
		m.InboundMalformedTotal,
		// System
		m.RosterReloadTotal,
		m.ActorsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// ObserveAction records a workflow action. Outcome is "ok" or the error code.
func (m *Metrics) ObserveAction(action, outcome string, duration time.Duration) {
	m.WorkflowActionsTotal.WithLabelValues(action, outcome).Inc()
	m.WorkflowActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveDelivery records one envelope delivery attempt.
func (m *Metrics) ObserveDelivery(envelopeType, outcome string) {
	m.DeliveriesTotal.WithLabelValues(envelopeType, outcome).Inc()
}

// ObservePrune records a connection removed after a failed delivery.
func (m *Metrics) ObservePrune() {
	m.ConnectionsPrunedTotal.Inc()
}

// ObserveInbound records an inbound message by type.
func (m *Metrics) ObserveInbound(messageType string) {
	m.InboundMessagesTotal.WithLabelValues(messageType).Inc()
}

// ObserveMalformed records an inbound message that was dropped.
func (m *Metrics) ObserveMalformed() {
	m.InboundMalformedTotal.Inc()
}

// SetConnections sets the number of registered connections.
func (m *Metrics) SetConnections(n int) {
	m.ConnectionsActive.Set(float64(n))
}

// ObserveReload records a roster reload and, on success, the actor count.
func (m *Metrics) ObserveReload(status string, actors int) {
	m.RosterReloadTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.ActorsLoaded.Set(float64(actors))
	}
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack lets WebSocket upgrades take over the connection.
func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observability: response writer does not support hijacking")
	}
	w.written = true
	return hj.Hijack()
}
