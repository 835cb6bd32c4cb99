package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCoordinator(t *testing.T) (*Coordinator, *MemoryStore, *clock) {
	t.Helper()
	store := NewMemoryStore()
	c := NewCoordinator(store, zap.NewNop())
	clk := &clock{now: t0}
	c.SetClock(clk.Now)
	return c, store, clk
}

func testRun() model.Run {
	return model.Run{ID: "run-1", TenantID: "acme", DefinitionID: "def@v1", Status: model.RunRunning}
}

func managerCfg() model.ApprovalConfig {
	return model.ApprovalConfig{ApproverRole: "manager", TimeoutHours: 24, OnTimeout: model.TimeoutAutoReject, MaxEscalations: 1}
}

var (
	manager = model.Actor{ID: "mgr-1", Roles: []string{"manager"}}
	agent   = model.Actor{ID: "agent-1", Roles: []string{"agent"}}
)

func TestOpen_CreatesPendingRequest(t *testing.T) {
	c, store, _ := newCoordinator(t)

	req, created, err := c.Open(context.Background(), testRun(), "approve", managerCfg())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.ApprovalPending, req.Status)
	assert.Equal(t, "manager", req.ApproverRole)
	assert.Equal(t, t0.Add(24*time.Hour), req.DueAt)
	assert.Equal(t, 1, store.Len())
}

func TestOpen_IdempotentPerNode(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	first, _, err := c.Open(ctx, testRun(), "approve", managerCfg())
	require.NoError(t, err)
	second, created, err := c.Open(ctx, testRun(), "approve", managerCfg())
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.Len())
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		decision model.Decision
		actor    model.Actor
		wantCode string
		wantRes  string
	}{
		{"approve by role", model.DecisionApproved, manager, "", "approved"},
		{"reject by role", model.DecisionRejected, manager, "", "rejected"},
		{"ineligible actor", model.DecisionApproved, agent, model.ErrNotApprover, ""},
		{"invalid decision", model.Decision("maybe"), manager, model.ErrBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newCoordinator(t)
			ctx := context.Background()
			req, _, err := c.Open(ctx, testRun(), "approve", managerCfg())
			require.NoError(t, err)

			got, err := c.Decide(ctx, "acme", req.ID, tt.decision, tt.actor, "looks fine")
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.True(t, model.IsCode(err, tt.wantCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRes, got.Resolution)
			assert.Equal(t, model.ApprovalStatus(tt.wantRes), got.Status)
			assert.Equal(t, manager.ID, got.DecidedBy)
			require.NotNil(t, got.DecidedAt)
		})
	}
}

func TestDecide_TwiceIsNotPending(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()
	req, _, _ := c.Open(ctx, testRun(), "approve", managerCfg())

	_, err := c.Decide(ctx, "acme", req.ID, model.DecisionApproved, manager, "")
	require.NoError(t, err)
	_, err = c.Decide(ctx, "acme", req.ID, model.DecisionRejected, manager, "")
	assert.True(t, model.IsCode(err, model.ErrNotPending), "got %v", err)
}

func TestDecide_OtherTenantNotFound(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()
	req, _, _ := c.Open(ctx, testRun(), "approve", managerCfg())

	_, err := c.Decide(ctx, "globex", req.ID, model.DecisionApproved, manager, "")
	assert.True(t, model.IsCode(err, model.ErrNotFound), "got %v", err)
}

func TestDecide_NamedApproverOnly(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()
	cfg := managerCfg()
	cfg.ApproverID = "mgr-2"
	req, _, _ := c.Open(ctx, testRun(), "approve", cfg)

	_, err := c.Decide(ctx, "acme", req.ID, model.DecisionApproved, manager, "")
	assert.True(t, model.IsCode(err, model.ErrNotApprover), "got %v", err)

	_, err = c.Decide(ctx, "acme", req.ID, model.DecisionApproved, model.Actor{ID: "mgr-2"}, "")
	assert.NoError(t, err)
}

func TestDecide_ConcurrentResolvesOnce(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()
	req, _, _ := c.Open(ctx, testRun(), "approve", managerCfg())

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := model.DecisionApproved
			if i%2 == 1 {
				d = model.DecisionRejected
			}
			_, err := c.Decide(ctx, "acme", req.ID, d, manager, "")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, model.IsCode(err, model.ErrNotPending), "got %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestDelegate(t *testing.T) {
	c, store, clk := newCoordinator(t)
	ctx := context.Background()
	req, _, _ := c.Open(ctx, testRun(), "approve", managerCfg())
	clk.Advance(time.Hour)

	old, next, err := c.Delegate(ctx, "acme", req.ID, "mgr-9", manager, "on leave")
	require.NoError(t, err)

	assert.Equal(t, model.ApprovalDelegated, old.Status)
	assert.Empty(t, old.Resolution)
	assert.Equal(t, model.ApprovalPending, next.Status)
	assert.Equal(t, "mgr-9", next.ApproverID)
	assert.Equal(t, req.DueAt, next.DueAt, "delegation keeps the due time")
	assert.Equal(t, req.ID, next.PreviousID)
	assert.Equal(t, 2, store.Len())

	// Only the delegate may decide now.
	_, err = c.Decide(ctx, "acme", next.ID, model.DecisionApproved, manager, "")
	assert.True(t, model.IsCode(err, model.ErrNotApprover), "got %v", err)
	_, err = c.Decide(ctx, "acme", next.ID, model.DecisionApproved, model.Actor{ID: "mgr-9"}, "")
	require.NoError(t, err)

	latest, ok, err := c.Latest(ctx, "run-1", "approve")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next.ID, latest.ID)
}

func TestDelegate_Rejections(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()
	req, _, _ := c.Open(ctx, testRun(), "approve", managerCfg())

	_, _, err := c.Delegate(ctx, "acme", req.ID, "", manager, "")
	assert.True(t, model.IsCode(err, model.ErrBadRequest), "got %v", err)

	_, _, err = c.Delegate(ctx, "acme", req.ID, "mgr-9", agent, "")
	assert.True(t, model.IsCode(err, model.ErrNotApprover), "got %v", err)

	_, err = c.Decide(ctx, "acme", req.ID, model.DecisionApproved, manager, "")
	require.NoError(t, err)
	_, _, err = c.Delegate(ctx, "acme", req.ID, "mgr-9", manager, "")
	assert.True(t, model.IsCode(err, model.ErrNotPending), "got %v", err)
}

func TestExpire_NotDue(t *testing.T) {
	c, _, clk := newCoordinator(t)
	ctx := context.Background()
	req, _, _ := c.Open(ctx, testRun(), "approve", managerCfg())

	clk.Advance(24 * time.Hour) // exactly at the due time
	_, err := c.Expire(ctx, req, managerCfg())
	assert.True(t, model.IsCode(err, model.ErrConflict), "got %v", err)
}

func TestExpire_Policies(t *testing.T) {
	tests := []struct {
		name   string
		policy model.TimeoutPolicy
		want   string
	}{
		{"auto reject", model.TimeoutAutoReject, "rejected"},
		{"auto approve", model.TimeoutAutoApprove, "approved"},
		{"default rejects", "", "rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, clk := newCoordinator(t)
			ctx := context.Background()
			cfg := managerCfg()
			cfg.OnTimeout = tt.policy
			req, _, _ := c.Open(ctx, testRun(), "approve", cfg)
			clk.Advance(25 * time.Hour)

			exp, err := c.Expire(ctx, req, cfg)
			require.NoError(t, err)
			assert.Nil(t, exp.Escalated)
			assert.Equal(t, model.ApprovalExpired, exp.Expired.Status)
			assert.Equal(t, tt.want, exp.Expired.Resolution)
			assert.Equal(t, model.SystemActor, exp.Expired.DecidedBy)
		})
	}
}

func TestExpire_EscalatesThenRejects(t *testing.T) {
	c, _, clk := newCoordinator(t)
	ctx := context.Background()
	cfg := managerCfg()
	cfg.OnTimeout = model.TimeoutEscalate
	cfg.EscalateTo = "director-1"
	cfg.EscalateRole = "director"
	cfg.MaxEscalations = 1

	req, _, _ := c.Open(ctx, testRun(), "approve", cfg)
	clk.Advance(25 * time.Hour)

	exp, err := c.Expire(ctx, req, cfg)
	require.NoError(t, err)
	require.NotNil(t, exp.Escalated)
	assert.Empty(t, exp.Expired.Resolution)
	esc := *exp.Escalated
	assert.Equal(t, "director-1", esc.ApproverID)
	assert.Equal(t, "director", esc.ApproverRole)
	assert.Equal(t, 1, esc.EscalationLevel)
	assert.Equal(t, clk.Now().Add(24*time.Hour), esc.DueAt)

	// The original approver lost the request.
	_, err = c.Decide(ctx, "acme", req.ID, model.DecisionApproved, manager, "")
	assert.True(t, model.IsCode(err, model.ErrNotPending), "got %v", err)

	clk.Advance(25 * time.Hour)
	due, err := c.FindDue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, esc.ID, due[0].ID)

	exp, err = c.Expire(ctx, due[0], cfg)
	require.NoError(t, err)
	assert.Nil(t, exp.Escalated, "escalation limit reached")
	assert.Equal(t, "rejected", exp.Expired.Resolution)
}

func TestExpire_RacesWithDecision(t *testing.T) {
	c, _, clk := newCoordinator(t)
	ctx := context.Background()
	req, _, _ := c.Open(ctx, testRun(), "approve", managerCfg())
	clk.Advance(25 * time.Hour)

	_, err := c.Decide(ctx, "acme", req.ID, model.DecisionApproved, manager, "")
	require.NoError(t, err)

	// The timer read the request before the decision landed.
	_, err = c.Expire(ctx, req, managerCfg())
	assert.True(t, model.IsCode(err, model.ErrNotPending), "got %v", err)
}

func TestWithdraw(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()
	a, _, _ := c.Open(ctx, testRun(), "security", managerCfg())
	b, _, _ := c.Open(ctx, testRun(), "finance", managerCfg())
	_, err := c.Decide(ctx, "acme", b.ID, model.DecisionApproved, manager, "")
	require.NoError(t, err)

	withdrawn, err := c.Withdraw(ctx, "acme", "run-1", "run cancelled")
	require.NoError(t, err)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, a.ID, withdrawn[0].ID)
	assert.Empty(t, withdrawn[0].Resolution)

	got, err := c.Get(ctx, "acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, got.Status)
	assert.Equal(t, "run cancelled", got.DecisionReason)

	// The node can be opened again only by a new run step.
	pending, err := c.List(ctx, "acme", model.ApprovalFilters{Status: model.ApprovalPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}
