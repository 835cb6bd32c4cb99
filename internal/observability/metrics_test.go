package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/flowdesk/model"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RunStarted("access-request")
	m.RunFinished("access-request", model.RunCompleted)
	m.NodeAdvanced(model.NodeApproval)
	m.LockContended()
	m.ApprovalOpened()
	m.ApprovalResolved("approved")
	m.TimerFired()
	m.ActionDispatched(model.ActionNotify, true)
	m.RecordDefinitionReload("success", 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"flowdesk_http_requests_total",
		"flowdesk_http_request_duration_seconds",
		"flowdesk_http_request_size_bytes",
		"flowdesk_http_response_size_bytes",
		"flowdesk_runs_started_total",
		"flowdesk_runs_finished_total",
		"flowdesk_active_runs",
		"flowdesk_node_advances_total",
		"flowdesk_run_lock_contention_total",
		"flowdesk_approvals_opened_total",
		"flowdesk_approvals_resolved_total",
		"flowdesk_approval_timers_fired_total",
		"flowdesk_actions_dispatched_total",
		"flowdesk_definition_reload_total",
		"flowdesk_definitions_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/workflow-engine/runs/{id}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/workflow-engine/runs/{id}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/workflow-engine/trigger", 503, 200*time.Millisecond, 512, 256)

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/workflow-engine/runs/{id}", "200")); v != 2 {
		t.Errorf("GET 200 count = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/workflow-engine/trigger", "503")); v != 1 {
		t.Errorf("POST 503 count = %v, want 1", v)
	}
}

func TestRunLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RunStarted("change")
	m.RunStarted("change")
	m.RunStarted("access")
	m.RunFinished("change", model.RunCompleted)
	m.RunFinished("access", model.RunFailed)

	if v := testutil.ToFloat64(m.RunsStartedTotal.WithLabelValues("change")); v != 2 {
		t.Errorf("change started = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ActiveRuns.WithLabelValues("change")); v != 1 {
		t.Errorf("change active = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ActiveRuns.WithLabelValues("access")); v != 0 {
		t.Errorf("access active = %v, want 0", v)
	}
	if v := testutil.ToFloat64(m.RunsFinishedTotal.WithLabelValues("access", "failed")); v != 1 {
		t.Errorf("access failed = %v, want 1", v)
	}
}

func TestNodeAdvancesAndContention(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.NodeAdvanced(model.NodeCondition)
	m.NodeAdvanced(model.NodeCondition)
	m.NodeAdvanced(model.NodeParallelSplit)
	m.LockContended()

	if v := testutil.ToFloat64(m.NodeAdvancesTotal.WithLabelValues(string(model.NodeCondition))); v != 2 {
		t.Errorf("condition advances = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.LockContention); v != 1 {
		t.Errorf("lock contention = %v, want 1", v)
	}
}

func TestApprovalMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ApprovalOpened()
	m.ApprovalOpened()
	m.ApprovalResolved("approved")
	m.TimerFired()
	m.ApprovalResolved("expired")

	if v := testutil.ToFloat64(m.ApprovalsOpenedTotal); v != 2 {
		t.Errorf("opened = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ApprovalsResolvedTotal.WithLabelValues("expired")); v != 1 {
		t.Errorf("expired = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TimersFiredTotal); v != 1 {
		t.Errorf("timers fired = %v, want 1", v)
	}
}

func TestActionDispatched(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ActionDispatched(model.ActionWebhook, true)
	m.ActionDispatched(model.ActionWebhook, false)
	m.ActionDispatched(model.ActionWebhook, false)

	if v := testutil.ToFloat64(m.ActionsDispatchedTotal.WithLabelValues("webhook", "failure")); v != 2 {
		t.Errorf("webhook failures = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ActionsDispatchedTotal.WithLabelValues("webhook", "success")); v != 1 {
		t.Errorf("webhook successes = %v, want 1", v)
	}
}

func TestRecordDefinitionReload(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDefinitionReload("success", 4)
	m.RecordDefinitionReload("failure", 0)

	if v := testutil.ToFloat64(m.DefinitionsLoaded); v != 4 {
		t.Errorf("definitions loaded = %v, want 4 (failure keeps last value)", v)
	}
	if v := testutil.ToFloat64(m.DefinitionReloadTotal.WithLabelValues("failure")); v != 1 {
		t.Errorf("failed reloads = %v, want 1", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/workflow-engine", func(r chi.Router) {
		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workflow-engine/runs/run-42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/workflow-engine/runs/{id}", "200")); v != 1 {
		t.Errorf("requests total = %v, want 1", v)
	}
	if testutil.CollectAndCount(m.HTTPResponseSizeBytes) == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/approvals/{id}/decide", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/approvals/req-1/decide", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/approvals/{id}/decide", "409")); v != 1 {
		t.Errorf("409 requests = %v, want 1", v)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200")); v != 1 {
		t.Errorf("raw path requests = %v, want 1", v)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.TimerFired()

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "flowdesk_approval_timers_fired_total 1") {
		t.Errorf("body missing timer counter:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http": httpDurationBuckets,
		"size": bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
