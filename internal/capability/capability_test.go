package capability

import (
	"testing"
	"time"

	"github.com/pitabwire/flowdesk/model"
)

func testRctx(roles ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-1",
		TenantID:  "tenant-1",
		Roles:     roles,
	}
}

// --- StaticPolicyEvaluator tests ---

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	caps, err := e.ResolveCapabilities(testRctx("service_desk_agent"))
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}

	if !caps.Has(model.CapApprovalsDecide) {
		t.Error("agent should have workflow:approvals:decide")
	}
	if !caps.Has(model.CapRunsView) {
		t.Error("agent should inherit workflow:runs:view from *")
	}
	if caps.Has(model.CapDefinitionsPublish) {
		t.Error("agent should not have workflow:definitions:publish")
	}
}

func TestStaticPolicyEvaluator_Roles(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	tests := []struct {
		name  string
		roles []string
		cap   string
		want  bool
	}{
		{"no roles get the baseline", nil, model.CapRunsView, true},
		{"no roles cannot trigger", nil, model.CapRunsTrigger, false},
		{"designer wildcard", []string{"workflow_designer"}, model.CapDefinitionsPublish, true},
		{"designer cannot cancel", []string{"workflow_designer"}, model.CapRunsCancel, false},
		{"admin wildcard", []string{"workflow_admin"}, model.CapRunsCancel, true},
		{"combined roles", []string{"workflow_designer", "service_desk_agent"}, model.CapRunsTrigger, true},
		{"unknown role", []string{"nonexistent"}, model.CapRunsTrigger, false},
		{"literal star role is ignored", []string{"*"}, model.CapRunsTrigger, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, err := e.ResolveCapabilities(testRctx(tt.roles...))
			if err != nil {
				t.Fatalf("ResolveCapabilities() error = %v", err)
			}
			if got := caps.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%s) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestStaticPolicyEvaluator_DefaultPolicy(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator(\"\") error = %v", err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync() on in-memory policy error = %v", err)
	}

	caps, _ := e.ResolveCapabilities(testRctx())
	if !caps.HasAll(model.CapRunsTrigger, model.CapApprovalsDecide) {
		t.Errorf("baseline caps = %v, want trigger and decide", caps)
	}
	if caps.Has(model.CapDefinitionsPublish) || caps.Has(model.CapRunsCancel) {
		t.Errorf("baseline caps = %v, want no publish or cancel", caps)
	}

	admin, _ := e.ResolveCapabilities(testRctx("workflow_admin"))
	if !admin.Has(model.CapDefinitionsPublish) {
		t.Error("workflow_admin should publish definitions")
	}
}

func TestStaticPolicyEvaluator_BadFile(t *testing.T) {
	if _, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("expected error for missing policy file")
	}
	if _, err := NewStaticPolicyEvaluator("testdata/empty.yaml"); err == nil {
		t.Fatal("expected error for policy file without roles")
	}
}

// --- Resolver tests ---

func TestResolver_Require(t *testing.T) {
	r := NewResolver(NewStaticPolicy(DefaultPolicy()), time.Minute, 0)

	if err := r.Require(testRctx(), model.CapRunsTrigger); err != nil {
		t.Errorf("Require(trigger) error = %v", err)
	}
	err := r.Require(testRctx(), model.CapRunsCancel)
	if !model.IsCode(err, model.ErrForbidden) {
		t.Errorf("Require(cancel) error = %v, want FORBIDDEN", err)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{model.CapRunsView: true}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute, 0)
	rctx := testRctx()

	r.Resolve(rctx)
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("user-1", "tenant-1")

	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_RolesChangeMissesCache(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute, 0)

	r.Resolve(testRctx("a"))
	r.Resolve(testRctx("a", "b"))
	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r := NewResolver(mock, time.Minute, 0)
	r.now = func() time.Time { return now }
	rctx := testRctx()

	r.Resolve(rctx)
	now = now.Add(59 * time.Second)
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d before expiry, want 1", callCount)
	}
	now = now.Add(time.Second)
	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

func TestResolver_MaxEntries(t *testing.T) {
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, time.Hour, 3)
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		r.Resolve(&model.RequestContext{SubjectID: id, TenantID: "t"})
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

// --- Mock PolicyEvaluator ---

type mockEvaluator struct {
	resolveFunc func(rctx *model.RequestContext) (model.CapabilitySet, error)
}

func (m *mockEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return m.resolveFunc(rctx)
}

func (m *mockEvaluator) Sync() error { return nil }
