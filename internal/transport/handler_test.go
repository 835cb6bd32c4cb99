package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/action"
	"github.com/pitabwire/flowdesk/internal/approval"
	"github.com/pitabwire/flowdesk/internal/capability"
	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/definition"
	"github.com/pitabwire/flowdesk/internal/openapi"
	"github.com/pitabwire/flowdesk/internal/workflow"
	"github.com/pitabwire/flowdesk/model"
)

// --- test helpers ---

type caller struct {
	subject string
	tenant  string
	roles   []string
}

var (
	admin     = caller{subject: "admin-1", tenant: "acme", roles: []string{"workflow_admin"}}
	agent     = caller{subject: "agent-1", tenant: "acme", roles: []string{"service_desk_agent"}}
	manager   = caller{subject: "mgr-1", tenant: "acme", roles: []string{"manager"}}
	outsider  = caller{subject: "agent-9", tenant: "globex", roles: []string{"workflow_admin"}}
	anonymous = caller{}
)

// headerAuth stands in for the JWT authenticator: it turns test headers
// into token claims.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := map[string]any{
			"sub":       r.Header.Get("X-Test-Subject"),
			"tenant_id": r.Header.Get("X-Test-Tenant"),
		}
		var roles []any
		for _, role := range strings.Fields(r.Header.Get("X-Test-Roles")) {
			roles = append(roles, role)
		}
		claims["roles"] = roles
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

type testServer struct {
	router chi.Router
	sink   *action.RecordingSink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithRuns(t, workflow.NewMemoryRunStore())
}

func newTestServerWithRuns(t *testing.T, runs workflow.RunStore) *testServer {
	t.Helper()
	logger := zap.NewNop()

	defs := definition.NewService(definition.NewMemoryStore(), definition.NewRegistry(nil), logger)
	coord := approval.NewCoordinator(approval.NewMemoryStore(), logger)
	sink := action.NewRecordingSink()
	eng := workflow.NewEngine(defs, runs, coord,
		action.NewDispatcher(sink, nil, logger), workflow.NewLocalLocker(time.Second), logger)

	validator, err := openapi.Load(context.Background())
	if err != nil {
		t.Fatalf("openapi.Load: %v", err)
	}

	cfg := config.Defaults()
	cfg.Idempotency.Enabled = true
	deps := Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       headerAuth,
		CapabilityResolver: capability.NewResolver(capability.NewStaticPolicy(capability.DefaultPolicy()), time.Minute, 100),
		Engine:             eng,
		Definitions:        defs,
		Idempotency:        workflow.NewMemoryIdempotencyStore(),
		OpenAPI:            validator,
	}
	return &testServer{router: NewRouter(deps), sink: sink}
}

func (s *testServer) do(t *testing.T, c caller, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	var req *http.Request
	if reader != nil {
		req = httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Test-Subject", c.subject)
	req.Header.Set("X-Test-Tenant", c.tenant)
	req.Header.Set("X-Test-Roles", strings.Join(c.roles, " "))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

type errorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) model.ErrorEnvelope {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	resp := decodeBody[errorBody](t, w)
	if resp.Error.Code != code {
		t.Errorf("error code = %q, want %q", resp.Error.Code, code)
	}
	return resp.Error
}

func accessRequest() map[string]any {
	return map[string]any{
		"name":     "Access request",
		"category": "access",
		"nodes": []map[string]any{
			{"id": "start", "type": "trigger", "config": map[string]any{"event": "access.requested"}},
			{"id": "approve", "type": "approval", "config": map[string]any{"approverRole": "manager", "timeoutHours": 24}},
			{"id": "grant", "type": "action", "config": map[string]any{"actionType": "notify", "channel": "email", "template": "granted"}},
			{"id": "deny", "type": "action", "config": map[string]any{"actionType": "notify", "channel": "email", "template": "denied"}},
		},
		"edges": []map[string]any{
			{"from": "start", "to": "approve"},
			{"from": "approve", "to": "grant", "label": "approved"},
			{"from": "approve", "to": "deny", "label": "rejected"},
		},
	}
}

func (s *testServer) publish(t *testing.T) model.WorkflowDefinition {
	t.Helper()
	w := s.do(t, admin, "POST", "/workflow-engine/definitions", accessRequest())
	if w.Code != http.StatusCreated {
		t.Fatalf("publish status = %d, body %s", w.Code, w.Body.String())
	}
	return decodeBody[model.WorkflowDefinition](t, w)
}

func (s *testServer) trigger(t *testing.T, headers ...string) triggerResponse {
	t.Helper()
	w := s.do(t, agent, "POST", "/workflow-engine/trigger", map[string]any{
		"eventType": "access.requested",
		"context":   map[string]any{"system": "erp"},
	}, headers...)
	if w.Code != http.StatusCreated {
		t.Fatalf("trigger status = %d, body %s", w.Code, w.Body.String())
	}
	return decodeBody[triggerResponse](t, w)
}

func (s *testServer) pendingRequest(t *testing.T, runID string) model.ApprovalRequest {
	t.Helper()
	w := s.do(t, manager, "GET", "/workflow-engine/runs/"+runID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get run status = %d, body %s", w.Code, w.Body.String())
	}
	view := decodeBody[workflow.RunView](t, w)
	if len(view.PendingApprovals) != 1 {
		t.Fatalf("pending approvals = %d, want 1", len(view.PendingApprovals))
	}
	return view.PendingApprovals[0]
}

// --- trigger ---

func TestTrigger_startsRunWaitingForApproval(t *testing.T) {
	s := newTestServer(t)
	def := s.publish(t)
	if def.Status != model.DefinitionActive || def.Version != 1 {
		t.Fatalf("published definition = %s v%d, want active v1", def.Status, def.Version)
	}

	resp := s.trigger(t)
	if len(resp.RunIDs) != 1 || resp.RunID != resp.RunIDs[0] {
		t.Fatalf("trigger response = %+v, want one run", resp)
	}

	w := s.do(t, agent, "GET", "/workflow-engine/runs/"+resp.RunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get run status = %d", w.Code)
	}
	view := decodeBody[workflow.RunView](t, w)
	if view.Status != model.RunWaitingApproval {
		t.Errorf("run status = %s, want waiting_approval", view.Status)
	}
	if view.Context["system"] != "erp" {
		t.Errorf("run context = %v, want system=erp", view.Context)
	}
	if len(view.PendingApprovals) != 1 || view.PendingApprovals[0].ApproverRole != "manager" {
		t.Errorf("pending approvals = %+v", view.PendingApprovals)
	}
}

// refusingRunStore fails Create for runs of one definition.
type refusingRunStore struct {
	*workflow.MemoryRunStore
	definitionID string
}

func (s *refusingRunStore) Create(ctx context.Context, run model.Run, entries []model.HistoryEntry) error {
	if run.DefinitionID == s.definitionID {
		return errors.New("store unavailable")
	}
	return s.MemoryRunStore.Create(ctx, run, entries)
}

func TestTrigger_partialStartKeepsStartedRuns(t *testing.T) {
	runs := &refusingRunStore{MemoryRunStore: workflow.NewMemoryRunStore()}
	s := newTestServerWithRuns(t, runs)
	broken := s.publish(t)

	audit := accessRequest()
	audit["name"] = "Access audit"
	w := s.do(t, admin, "POST", "/workflow-engine/definitions", audit)
	if w.Code != http.StatusCreated {
		t.Fatalf("publish status = %d, body %s", w.Code, w.Body.String())
	}
	healthy := decodeBody[model.WorkflowDefinition](t, w)
	runs.definitionID = broken.ID

	resp := s.trigger(t)
	if len(resp.RunIDs) != 1 || resp.RunID != resp.RunIDs[0] {
		t.Fatalf("trigger response = %+v, want the one started run", resp)
	}
	if len(resp.Failures) != 1 {
		t.Fatalf("failures = %+v, want one", resp.Failures)
	}
	f := resp.Failures[0]
	if f.DefinitionID != broken.ID || f.TriggerNode != "start" || f.Code != model.ErrInternalError {
		t.Errorf("failure = %+v", f)
	}
	if strings.Contains(f.Message, "store unavailable") {
		t.Errorf("failure message leaks internal detail: %q", f.Message)
	}

	w = s.do(t, agent, "GET", "/workflow-engine/runs/"+resp.RunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get run status = %d", w.Code)
	}
	if view := decodeBody[workflow.RunView](t, w); view.DefinitionID != healthy.ID {
		t.Errorf("started run definition = %s, want %s", view.DefinitionID, healthy.ID)
	}
}

func TestTrigger_noActiveDefinition(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, agent, "POST", "/workflow-engine/trigger", map[string]any{"eventType": "nothing.listens"})
	expectError(t, w, http.StatusNotFound, model.ErrNotFound)
}

func TestTrigger_schemaViolation(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, agent, "POST", "/workflow-engine/trigger", map[string]any{"context": map[string]any{}})
	ee := expectError(t, w, http.StatusUnprocessableEntity, model.ErrValidationError)
	if len(ee.Details) == 0 {
		t.Error("schema violation should carry field details")
	}
}

func TestTrigger_idempotencyKey(t *testing.T) {
	s := newTestServer(t)
	s.publish(t)

	first := s.trigger(t, "Idempotency-Key", "ticket-42")

	w := s.do(t, agent, "POST", "/workflow-engine/trigger", map[string]any{
		"eventType": "access.requested",
		"context":   map[string]any{"system": "erp"},
	}, "Idempotency-Key", "ticket-42")
	if w.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", w.Code)
	}
	if w.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay should set Idempotent-Replayed")
	}
	replayed := decodeBody[triggerResponse](t, w)
	if replayed.RunID != first.RunID {
		t.Errorf("replayed run = %q, want %q", replayed.RunID, first.RunID)
	}

	w = s.do(t, agent, "POST", "/workflow-engine/trigger", map[string]any{
		"eventType": "access.requested",
		"context":   map[string]any{"system": "crm"},
	}, "Idempotency-Key", "ticket-42")
	expectError(t, w, http.StatusConflict, model.ErrConflict)

	w = s.do(t, agent, "GET", "/workflow-engine/runs", nil)
	list := decodeBody[listResponse[model.Run]](t, w)
	if list.Total != 1 {
		t.Errorf("runs = %d, want 1 after replay", list.Total)
	}
}

// --- approvals ---

func TestDecide_approveCompletesRun(t *testing.T) {
	s := newTestServer(t)
	s.publish(t)
	run := s.trigger(t)

	w := s.do(t, manager, "GET", "/workflow-engine/approvals?role=manager", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list approvals status = %d", w.Code)
	}
	list := decodeBody[listResponse[model.ApprovalRequest]](t, w)
	if len(list.Data) != 1 || list.Data[0].RunID != run.RunID {
		t.Fatalf("approvals = %+v, want the run's request", list.Data)
	}

	w = s.do(t, manager, "POST", "/workflow-engine/approvals/"+list.Data[0].ID+"/decide", map[string]any{
		"decision": "approved",
		"actorId":  manager.subject,
		"reason":   "looks fine",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("decide status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeBody[runStatusResponse](t, w)
	if resp.RunID != run.RunID || resp.RunStatus != model.RunCompleted {
		t.Errorf("decide response = %+v, want completed run", resp)
	}

	intents := s.sink.Intents()
	if len(intents) != 1 || intents[0].Template != "granted" {
		t.Errorf("intents = %+v, want one granted notification", intents)
	}

	w = s.do(t, agent, "GET", "/workflow-engine/runs/"+run.RunID+"/history", nil)
	history := decodeBody[listResponse[model.HistoryEntry]](t, w)
	if len(history.Data) != 3 {
		t.Fatalf("history entries = %d, want 3", len(history.Data))
	}
	if history.Data[1].Actor != manager.subject {
		t.Errorf("decision actor = %q, want %q", history.Data[1].Actor, manager.subject)
	}

	w = s.do(t, manager, "POST", "/workflow-engine/approvals/"+list.Data[0].ID+"/decide", map[string]any{
		"decision": "rejected",
		"actorId":  manager.subject,
	})
	expectError(t, w, http.StatusConflict, model.ErrNotPending)
}

func TestDecide_rejections(t *testing.T) {
	s := newTestServer(t)
	s.publish(t)
	run := s.trigger(t)
	req := s.pendingRequest(t, run.RunID)
	path := "/workflow-engine/approvals/" + req.ID + "/decide"

	tests := []struct {
		name   string
		caller caller
		body   map[string]any
		status int
		code   string
	}{
		{"actor is not the caller", manager, map[string]any{"decision": "approved", "actorId": "someone-else"}, 403, model.ErrForbidden},
		{"caller lacks approver role", agent, map[string]any{"decision": "approved", "actorId": agent.subject}, 403, model.ErrNotApprover},
		{"unknown decision", manager, map[string]any{"decision": "maybe", "actorId": manager.subject}, 422, model.ErrValidationError},
		{"missing actor", manager, map[string]any{"decision": "approved"}, 422, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.caller, "POST", path, tt.body)
			expectError(t, w, tt.status, tt.code)
		})
	}

	w := s.do(t, manager, "POST", "/workflow-engine/approvals/missing/decide", map[string]any{
		"decision": "approved",
		"actorId":  manager.subject,
	})
	expectError(t, w, http.StatusNotFound, model.ErrNotFound)
}

func TestDelegate_assignsSuccessor(t *testing.T) {
	s := newTestServer(t)
	s.publish(t)
	run := s.trigger(t)
	req := s.pendingRequest(t, run.RunID)

	w := s.do(t, manager, "POST", "/workflow-engine/approvals/"+req.ID+"/delegate", map[string]any{
		"delegateId": "mgr-2",
		"actorId":    manager.subject,
		"reason":     "on leave",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("delegate status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeBody[struct {
		Request model.ApprovalRequest `json:"request"`
	}](t, w)
	if resp.Request.ApproverID != "mgr-2" || resp.Request.PreviousID != req.ID {
		t.Errorf("successor = %+v", resp.Request)
	}
	if !resp.Request.DueAt.Equal(req.DueAt) {
		t.Errorf("successor due = %v, want %v", resp.Request.DueAt, req.DueAt)
	}

	w = s.do(t, manager, "GET", "/workflow-engine/approvals?run_id="+run.RunID, nil)
	list := decodeBody[listResponse[model.ApprovalRequest]](t, w)
	if len(list.Data) != 2 {
		t.Errorf("run approvals = %d, want original and successor", len(list.Data))
	}
}

// --- runs ---

func TestCancelRun_idempotent(t *testing.T) {
	s := newTestServer(t)
	s.publish(t)
	run := s.trigger(t)

	for range 2 {
		w := s.do(t, admin, "POST", "/workflow-engine/runs/"+run.RunID+"/cancel", map[string]any{"reason": "duplicate ticket"})
		if w.Code != http.StatusOK {
			t.Fatalf("cancel status = %d, body %s", w.Code, w.Body.String())
		}
		resp := decodeBody[runStatusResponse](t, w)
		if resp.RunStatus != model.RunCancelled {
			t.Errorf("run status = %s, want cancelled", resp.RunStatus)
		}
	}

	w := s.do(t, admin, "GET", "/workflow-engine/runs/"+run.RunID, nil)
	view := decodeBody[workflow.RunView](t, w)
	if len(view.PendingApprovals) != 0 {
		t.Errorf("pending approvals after cancel = %d, want 0", len(view.PendingApprovals))
	}
}

func TestCancelRun_withoutBody(t *testing.T) {
	s := newTestServer(t)
	s.publish(t)
	run := s.trigger(t)

	w := s.do(t, admin, "POST", "/workflow-engine/runs/"+run.RunID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestCancelRun_requiresCapability(t *testing.T) {
	s := newTestServer(t)
	s.publish(t)
	run := s.trigger(t)

	w := s.do(t, agent, "POST", "/workflow-engine/runs/"+run.RunID+"/cancel", nil)
	expectError(t, w, http.StatusForbidden, model.ErrForbidden)
}

func TestListRuns_filtersAndPaging(t *testing.T) {
	s := newTestServer(t)
	s.publish(t)
	for range 3 {
		s.trigger(t)
	}

	w := s.do(t, agent, "GET", "/workflow-engine/runs?status=waiting_approval&page_size=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, body %s", w.Code, w.Body.String())
	}
	list := decodeBody[listResponse[model.Run]](t, w)
	if list.Total != 3 || len(list.Data) != 2 || list.PageSize != 2 {
		t.Errorf("list = total %d, %d items, page size %d; want 3, 2, 2", list.Total, len(list.Data), list.PageSize)
	}

	w = s.do(t, agent, "GET", "/workflow-engine/runs?status=completed", nil)
	list = decodeBody[listResponse[model.Run]](t, w)
	if list.Total != 0 || list.Data == nil {
		t.Errorf("completed runs = %+v, want an empty list", list)
	}

	w = s.do(t, agent, "GET", "/workflow-engine/runs?status=sleeping", nil)
	expectError(t, w, http.StatusUnprocessableEntity, model.ErrValidationError)
}

func TestGetRun_tenantIsolation(t *testing.T) {
	s := newTestServer(t)
	s.publish(t)
	run := s.trigger(t)

	w := s.do(t, outsider, "GET", "/workflow-engine/runs/"+run.RunID, nil)
	expectError(t, w, http.StatusNotFound, model.ErrNotFound)
	w = s.do(t, outsider, "GET", "/workflow-engine/runs/"+run.RunID+"/history", nil)
	expectError(t, w, http.StatusNotFound, model.ErrNotFound)
}

// --- definitions ---

func TestPublishDefinition_requiresCapability(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, agent, "POST", "/workflow-engine/definitions", accessRequest())
	expectError(t, w, http.StatusForbidden, model.ErrForbidden)
}

func TestPublishDefinition_invalidGraph(t *testing.T) {
	s := newTestServer(t)
	def := accessRequest()
	def["edges"] = []map[string]any{
		{"from": "start", "to": "approve"},
		{"from": "approve", "to": "grant", "label": "approved"},
	}

	w := s.do(t, admin, "POST", "/workflow-engine/definitions", def)
	ee := expectError(t, w, http.StatusUnprocessableEntity, model.ErrValidationError)
	if len(ee.Details) == 0 {
		t.Fatal("validation error should list the failing rules")
	}

	w = s.do(t, admin, "GET", "/workflow-engine/definitions", nil)
	list := decodeBody[listResponse[model.WorkflowDefinition]](t, w)
	if len(list.Data) != 0 {
		t.Errorf("definitions = %d, want nothing stored", len(list.Data))
	}
}

func TestDefinitionLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, admin, "POST", "/workflow-engine/definitions?draft=true", accessRequest())
	if w.Code != http.StatusCreated {
		t.Fatalf("draft status = %d, body %s", w.Code, w.Body.String())
	}
	draft := decodeBody[model.WorkflowDefinition](t, w)
	if draft.Status != model.DefinitionDraft {
		t.Fatalf("status = %s, want draft", draft.Status)
	}

	w = s.do(t, agent, "POST", "/workflow-engine/trigger", map[string]any{"eventType": "access.requested"})
	expectError(t, w, http.StatusNotFound, model.ErrNotFound)

	w = s.do(t, admin, "POST", "/workflow-engine/definitions/"+draft.ID+"/activate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.WorkflowDefinition](t, w); got.Status != model.DefinitionActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	s.trigger(t)

	w = s.do(t, agent, "GET", "/workflow-engine/definitions/"+draft.ID, nil)
	if got := decodeBody[model.WorkflowDefinition](t, w); got.PublishedAt == nil {
		t.Error("activated definition should carry published_at")
	}

	w = s.do(t, admin, "POST", "/workflow-engine/definitions/"+draft.ID+"/archive", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("archive status = %d, body %s", w.Code, w.Body.String())
	}
	w = s.do(t, agent, "POST", "/workflow-engine/trigger", map[string]any{"eventType": "access.requested"})
	expectError(t, w, http.StatusNotFound, model.ErrNotFound)

	w = s.do(t, agent, "GET", "/workflow-engine/definitions?status=archived", nil)
	list := decodeBody[listResponse[model.WorkflowDefinition]](t, w)
	if len(list.Data) != 1 {
		t.Errorf("archived definitions = %d, want 1", len(list.Data))
	}
}

func TestTestDefinition_dryRun(t *testing.T) {
	s := newTestServer(t)
	def := accessRequest()

	w := s.do(t, admin, "POST", "/workflow-engine/definitions/test", map[string]any{
		"nodes":     def["nodes"],
		"edges":     def["edges"],
		"eventType": "access.requested",
		"decisions": map[string]string{"approve": "rejected"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("test status = %d, body %s", w.Code, w.Body.String())
	}
	report := decodeBody[workflow.DryRunReport](t, w)
	if report.Status != model.RunCompleted {
		t.Errorf("dry run status = %s, want completed", report.Status)
	}
	if len(report.Actions) != 1 || report.Actions[0].NodeID != "deny" {
		t.Errorf("dry run actions = %+v, want deny", report.Actions)
	}
	if len(s.sink.Intents()) != 0 {
		t.Error("dry run must not publish intents")
	}

	w = s.do(t, admin, "GET", "/workflow-engine/definitions", nil)
	list := decodeBody[listResponse[model.WorkflowDefinition]](t, w)
	if len(list.Data) != 0 {
		t.Errorf("dry run stored %d definitions", len(list.Data))
	}
}

func TestAuthenticatedRoutes_rejectMissingIdentity(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, anonymous, "GET", "/workflow-engine/runs", nil)
	expectError(t, w, http.StatusUnauthorized, model.ErrUnauthorized)
}
