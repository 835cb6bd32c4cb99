// Package integration provides a reusable test harness for end-to-end
// integration testing of the flowdesk workflow engine. It starts the full
// HTTP stack with in-memory stores, a mock webhook backend, a test JWT
// issuer and a controllable clock.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/flowdesk/internal/action"
	"github.com/pitabwire/flowdesk/internal/approval"
	"github.com/pitabwire/flowdesk/internal/capability"
	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/definition"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/openapi"
	"github.com/pitabwire/flowdesk/internal/transport"
	"github.com/pitabwire/flowdesk/internal/workflow"
	"github.com/pitabwire/flowdesk/model"
)

// TestTenant is the tenant the default definitions are seeded into.
const TestTenant = "acme-corp"

const intentStream = "flowdesk:intents"

// TestHarness encapsulates a fully wired engine instance with a mock
// webhook backend for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer
	clock  *testClock

	// Internal components exposed for advanced test scenarios.
	Definitions *definition.Service
	Registry    *definition.Registry
	Runs        *workflow.MemoryRunStore
	Approvals   *approval.Coordinator
	Engine      *workflow.Engine
	Scheduler   *workflow.Scheduler
	Locker      workflow.Locker
	Idempotency workflow.IdempotencyStore
	CapResolver model.CapabilityResolver
	Metrics     *prometheus.Registry

	sink    *action.RecordingSink
	redis   *redis.Client
	backend *MockBackend
	cfg     *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	handlerTimeout time.Duration
	lockWait       time.Duration
	webhookTimeout time.Duration
	breaker        action.BreakerConfig
	useRedis       bool
}

// WithDefinitions sets the definition directories to seed. The
// {{WEBHOOK_URL}} placeholder in every file is replaced with the mock
// backend URL before loading.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithLockWait bounds how long a request waits for a busy run.
func WithLockWait(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.lockWait = d
	}
}

// WithWebhookTimeout sets the per-call webhook timeout.
func WithWebhookTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.webhookTimeout = d
	}
}

// WithCircuitBreaker configures the per-host webhook circuit breaker.
func WithCircuitBreaker(cfg action.BreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cfg
	}
}

// WithRedis runs the run lock, intent sink and idempotency store against an
// in-process Redis instead of their in-memory variants.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.useRedis = true
	}
}

// NewTestHarness creates and starts a full engine instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		lockWait:       200 * time.Millisecond,
		webhookTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdataDir := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir, "definitions")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir, "policies.yaml")
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	h := &TestHarness{
		t:       t,
		clock:   newTestClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		backend: newMockBackend(t),
	}

	// Step 1: Persistence.
	defStore := definition.NewMemoryStore()
	h.Runs = workflow.NewMemoryRunStore()
	approvalStore := approval.NewMemoryStore()

	// Step 2: Definitions, rewritten to call the mock backend.
	h.Registry = definition.NewRegistry(nil)
	h.Definitions = definition.NewService(defStore, h.Registry, logger)
	h.Definitions.SetClock(h.clock.Now)

	defs, err := definition.NewLoader().LoadAll(h.rewriteDefinitions(hc.definitionDirs))
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	seeder := &model.RequestContext{SubjectID: model.SystemActor, TenantID: TestTenant}
	if _, err := h.Definitions.Seed(ctx, seeder, defs); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}

	// Step 3: Capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(evaluator, 0, 0)

	// Step 4: Lock, intent sink and idempotency store.
	var sink action.Sink
	if hc.useRedis {
		mr := miniredis.RunT(t)
		h.redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { h.redis.Close() })

		h.Locker = workflow.NewRedisLocker(h.redis, "flowdesk:lock:", 30*time.Second, hc.lockWait)
		sink = action.NewStreamSink(h.redis, intentStream)
		h.Idempotency = workflow.NewRedisIdempotencyStore(h.redis)
	} else {
		h.Locker = workflow.NewLocalLocker(hc.lockWait)
		h.sink = action.NewRecordingSink()
		sink = h.sink
		h.Idempotency = workflow.NewMemoryIdempotencyStore()
	}

	// Step 5: Engine.
	h.Approvals = approval.NewCoordinator(approvalStore, logger)
	h.Approvals.SetClock(h.clock.Now)

	webhook := action.NewWebhookCaller(nil, action.WebhookConfig{
		Timeout: hc.webhookTimeout,
		Breaker: hc.breaker,
	})
	dispatcher := action.NewDispatcher(sink, webhook, logger)
	dispatcher.SetBackoff(time.Millisecond, 5*time.Millisecond)

	h.Metrics = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Metrics)

	h.Engine = workflow.NewEngine(h.Definitions, h.Runs, h.Approvals, dispatcher, h.Locker, logger)
	h.Engine.SetClock(h.clock.Now)
	h.Engine.SetObserver(metrics)

	h.Scheduler = workflow.NewScheduler(h.Engine, h.Approvals, time.Hour, 4, logger)
	h.Scheduler.SetClock(h.clock.Now)
	h.Engine.OnApprovalOpened(h.Scheduler.Schedule)

	// Step 6: JWT issuer and config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "Idempotency-Key"},
		MaxAge:         86400,
	}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}
	h.cfg.Idempotency.TTL = time.Hour

	validator, err := openapi.Load(ctx)
	if err != nil {
		t.Fatalf("load openapi document: %v", err)
	}

	// Step 7: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: h.CapResolver,
		Engine:             h.Engine,
		Definitions:        h.Definitions,
		Idempotency:        h.Idempotency,
		OpenAPI:            validator,
		Metrics:            metrics,
		MetricsHandler:     observability.HandlerFor(h.Metrics),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
		},
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// rewriteDefinitions copies the definition files into a temporary directory
// with the mock backend URL substituted.
func (h *TestHarness) rewriteDefinitions(dirs []string) []string {
	h.t.Helper()

	out := make([]string, len(dirs))
	for i, dir := range dirs {
		tmp := h.t.TempDir()
		entries, err := os.ReadDir(dir)
		if err != nil {
			h.t.Fatalf("read definitions %s: %v", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				h.t.Fatalf("read definition %s: %v", e.Name(), err)
			}
			content := strings.ReplaceAll(string(data), "{{WEBHOOK_URL}}", h.backend.URL())
			if err := os.WriteFile(filepath.Join(tmp, e.Name()), []byte(content), 0o644); err != nil {
				h.t.Fatalf("write temp definition: %v", err)
			}
		}
		out[i] = tmp
	}
	return out
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// MockBackend returns the webhook target.
func (h *TestHarness) MockBackend() *MockBackend {
	return h.backend
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed by a key the JWKS does not hold.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// Advance moves the engine, coordinator and scheduler clock forward.
func (h *TestHarness) Advance(d time.Duration) {
	h.clock.Advance(d)
}

// Sweep runs one scheduler pass and returns the number of expired requests.
func (h *TestHarness) Sweep() int {
	h.t.Helper()
	n, err := h.Scheduler.Sweep(context.Background())
	if err != nil {
		h.t.Fatalf("scheduler sweep: %v", err)
	}
	return n
}

// Intents returns every notification and ticket intent published so far.
func (h *TestHarness) Intents() []action.Intent {
	h.t.Helper()
	if h.sink != nil {
		return h.sink.Intents()
	}

	msgs, err := h.redis.XRange(context.Background(), intentStream, "-", "+").Result()
	if err != nil {
		h.t.Fatalf("read intent stream: %v", err)
	}
	out := make([]action.Intent, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["intent"].(string)
		var intent action.Intent
		if err := json.Unmarshal([]byte(raw), &intent); err != nil {
			h.t.Fatalf("decode intent %s: %v", m.ID, err)
		}
		out = append(out, intent)
	}
	return out
}

// IntentsFor filters Intents by run.
func (h *TestHarness) IntentsFor(runID string) []action.Intent {
	var out []action.Intent
	for _, i := range h.Intents() {
		if i.RunID == runID {
			out = append(out, i)
		}
	}
	return out
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// Do performs a request with a raw method, for preflight and method checks.
func (h *TestHarness) Do(method, path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, nil, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
		return
	}
	resp.Body.Close()
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the envelope code of an error response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body ErrorBody
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Workflow helpers ---

// TriggerResponse is the body of a trigger call.
type TriggerResponse struct {
	RunID  string   `json:"runId"`
	RunIDs []string `json:"runIds"`
}

// RunView is the body of a run lookup.
type RunView struct {
	model.Run
	PendingApprovals []model.ApprovalRequest `json:"pending_approvals"`
}

// RunStatusResponse is the body of decide and cancel calls.
type RunStatusResponse struct {
	RunID     string          `json:"runId"`
	RunStatus model.RunStatus `json:"runStatus"`
}

// ErrorBody is the error envelope returned by every failing call.
type ErrorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

// Trigger starts runs for an event and returns the first run id.
func (h *TestHarness) Trigger(t *testing.T, token, eventType string, runCtx map[string]any) string {
	t.Helper()
	resp := h.POST("/workflow-engine/trigger", map[string]any{
		"eventType": eventType,
		"context":   runCtx,
	}, token)
	var body TriggerResponse
	h.AssertJSON(t, resp, http.StatusCreated, &body)
	if body.RunID == "" {
		t.Fatalf("trigger %s returned no run", eventType)
	}
	return body.RunID
}

// GetRun fetches a run with its pending approvals.
func (h *TestHarness) GetRun(t *testing.T, token, runID string) RunView {
	t.Helper()
	var view RunView
	h.AssertJSON(t, h.GET("/workflow-engine/runs/"+runID, token), http.StatusOK, &view)
	return view
}

// PendingApproval returns the run's pending request for node.
func (h *TestHarness) PendingApproval(t *testing.T, token, runID, nodeID string) model.ApprovalRequest {
	t.Helper()
	view := h.GetRun(t, token, runID)
	for _, req := range view.PendingApprovals {
		if req.NodeID == nodeID {
			return req
		}
	}
	t.Fatalf("run %s has no pending approval for %q (status %s, frontier %v)", runID, nodeID, view.Status, view.Frontier)
	return model.ApprovalRequest{}
}

// Decide posts a decision on behalf of claims.
func (h *TestHarness) Decide(claims TestClaims, requestID string, decision model.Decision, reason string) *http.Response {
	h.t.Helper()
	return h.POST("/workflow-engine/approvals/"+requestID+"/decide", map[string]any{
		"decision": decision,
		"actorId":  claims.SubjectID,
		"reason":   reason,
	}, h.GenerateToken(claims))
}

// History fetches a run's audit log.
func (h *TestHarness) History(t *testing.T, token, runID string) []model.HistoryEntry {
	t.Helper()
	var body struct {
		Data []model.HistoryEntry `json:"data"`
	}
	h.AssertJSON(t, h.GET("/workflow-engine/runs/"+runID+"/history", token), http.StatusOK, &body)
	return body.Data
}

// --- Default test claims ---

// AgentClaims returns TestClaims for a service desk agent who raises requests.
func AgentClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-agent",
		TenantID:  TestTenant,
		Email:     "agent@acme.example.com",
		Roles:     []string{"service_desk_agent"},
	}
}

// ManagerClaims returns TestClaims for a manager who decides access requests.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		TenantID:  TestTenant,
		Email:     "manager@acme.example.com",
		Roles:     []string{"manager"},
	}
}

// SecurityClaims returns TestClaims for a security reviewer.
func SecurityClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-security",
		TenantID:  TestTenant,
		Email:     "security@acme.example.com",
		Roles:     []string{"security"},
	}
}

// FinanceClaims returns TestClaims for a finance reviewer.
func FinanceClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-finance",
		TenantID:  TestTenant,
		Email:     "finance@acme.example.com",
		Roles:     []string{"finance"},
	}
}

// DesignerClaims returns TestClaims for a user who maintains definitions.
func DesignerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-designer",
		TenantID:  TestTenant,
		Email:     "designer@acme.example.com",
		Roles:     []string{"workflow_designer"},
	}
}

// AdminClaims returns TestClaims for a workflow administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  TestTenant,
		Email:     "admin@acme.example.com",
		Roles:     []string{"workflow_admin"},
	}
}

// OutsiderClaims returns TestClaims for a fully privileged user of another
// tenant.
func OutsiderClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-outsider",
		TenantID:  "globex",
		Email:     "admin@globex.example.com",
		Roles:     []string{"workflow_admin", "manager"},
	}
}

// --- Helpers ---

// testClock is a manually advanced time source shared by the engine parts.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// AccessRequestContext returns a typical context for the access request
// workflow.
func AccessRequestContext(requester, system string) map[string]any {
	return map[string]any{
		"requester": requester,
		"system":    system,
		"ticket_id": "INC-1001",
	}
}

// IncidentContext returns a context for the incident escalation workflow.
func IncidentContext(severity string, users int) map[string]any {
	return map[string]any{
		"severity": severity,
		"impact":   map[string]any{"users": users},
		"oncall":   "sre-primary",
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
