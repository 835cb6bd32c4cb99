package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/flowdesk/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine. It
// implements the workflow engine's observer.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Run metrics
	RunsStartedTotal  *prometheus.CounterVec
	RunsFinishedTotal *prometheus.CounterVec
	ActiveRuns        *prometheus.GaugeVec
	NodeAdvancesTotal *prometheus.CounterVec
	LockContention    prometheus.Counter

	// Approval metrics
	ApprovalsOpenedTotal   prometheus.Counter
	ApprovalsResolvedTotal *prometheus.CounterVec
	TimersFiredTotal       prometheus.Counter

	// Action metrics
	ActionsDispatchedTotal *prometheus.CounterVec

	// Definition metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdesk_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowdesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowdesk_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowdesk_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		RunsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdesk_runs_started_total",
			Help: "Total number of workflow runs started.",
		}, []string{"definition"}),
		RunsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdesk_runs_finished_total",
			Help: "Total number of workflow runs reaching a terminal status.",
		}, []string{"definition", "status"}),
		ActiveRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowdesk_active_runs",
			Help: "Runs started by this process and not yet terminal.",
		}, []string{"definition"}),
		NodeAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdesk_node_advances_total",
			Help: "Total number of nodes visited, by node type.",
		}, []string{"node_type"}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowdesk_run_lock_contention_total",
			Help: "Total number of run lock acquisitions that found the run busy.",
		}),

		ApprovalsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowdesk_approvals_opened_total",
			Help: "Total number of approval requests opened.",
		}),
		ApprovalsResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdesk_approvals_resolved_total",
			Help: "Total number of approval request resolutions, by outcome.",
		}, []string{"outcome"}),
		TimersFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowdesk_approval_timers_fired_total",
			Help: "Total number of approval deadlines handled.",
		}),

		ActionsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdesk_actions_dispatched_total",
			Help: "Total number of action dispatches, by type and result.",
		}, []string{"action_type", "result"}),

		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdesk_definition_reload_total",
			Help: "Total definition registry reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowdesk_definitions_loaded",
			Help: "Number of active definitions in the registry.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.RunsStartedTotal,
		m.RunsFinishedTotal,
		m.ActiveRuns,
		m.NodeAdvancesTotal,
		m.LockContention,
		m.ApprovalsOpenedTotal,
		m.ApprovalsResolvedTotal,
		m.TimersFiredTotal,
		m.ActionsDispatchedTotal,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
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

// RecordDefinitionReload records a registry reload and its resulting size.
func (m *Metrics) RecordDefinitionReload(status string, loaded int) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.DefinitionsLoaded.Set(float64(loaded))
	}
}

// --- Engine observer ---

func (m *Metrics) RunStarted(definitionKey string) {
	m.RunsStartedTotal.WithLabelValues(definitionKey).Inc()
	m.ActiveRuns.WithLabelValues(definitionKey).Inc()
}

func (m *Metrics) RunFinished(definitionKey string, status model.RunStatus) {
	m.RunsFinishedTotal.WithLabelValues(definitionKey, string(status)).Inc()
	m.ActiveRuns.WithLabelValues(definitionKey).Dec()
}

func (m *Metrics) NodeAdvanced(nodeType model.NodeType) {
	m.NodeAdvancesTotal.WithLabelValues(string(nodeType)).Inc()
}

func (m *Metrics) ApprovalOpened() {
	m.ApprovalsOpenedTotal.Inc()
}

func (m *Metrics) ApprovalResolved(outcome string) {
	m.ApprovalsResolvedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ActionDispatched(actionType model.ActionType, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ActionsDispatchedTotal.WithLabelValues(string(actionType), result).Inc()
}

func (m *Metrics) LockContended() {
	m.LockContention.Inc()
}

func (m *Metrics) TimerFired() {
	m.TimersFiredTotal.Inc()
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

// Handler returns the Prometheus HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns the Prometheus HTTP handler for a specific registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
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
