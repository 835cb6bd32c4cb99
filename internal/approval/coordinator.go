// Package approval coordinates human approval steps: opening requests for
// approval nodes, recording decisions and delegations, and applying timeout
// policies when a request is not decided in time.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/model"
)

// Coordinator manages the lifecycle of approval requests. Every transition
// out of pending is a compare-and-set in the Store, so concurrent deciders
// and timers resolve a request exactly once.
type Coordinator struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a coordinator on store.
func NewCoordinator(store Store, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. For testing.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Open creates the pending request for an approval node of a run. If the
// node already has a pending request it is returned unchanged with created
// set to false.
func (c *Coordinator) Open(ctx context.Context, run model.Run, nodeID string, cfg model.ApprovalConfig) (model.ApprovalRequest, bool, error) {
	existing, ok, err := c.store.Pending(ctx, run.ID, nodeID)
	if err != nil {
		return model.ApprovalRequest{}, false, err
	}
	if ok {
		return existing, false, nil
	}

	now := c.now()
	req := model.ApprovalRequest{
		ID:           uuid.New().String(),
		TenantID:     run.TenantID,
		RunID:        run.ID,
		NodeID:       nodeID,
		ApproverRole: cfg.ApproverRole,
		ApproverID:   cfg.ApproverID,
		Status:       model.ApprovalPending,
		CreatedAt:    now,
		DueAt:        now.Add(cfg.Timeout()),
	}
	if err := c.store.Create(ctx, req); err != nil {
		// Lost a race with a concurrent opener.
		if model.IsCode(err, model.ErrConflict) {
			if existing, ok, perr := c.store.Pending(ctx, run.ID, nodeID); perr == nil && ok {
				return existing, false, nil
			}
		}
		return model.ApprovalRequest{}, false, err
	}

	c.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("run_id", run.ID),
		zap.String("node_id", nodeID),
		zap.String("approver_role", req.ApproverRole),
		zap.Time("due_at", req.DueAt),
	)
	return req, true, nil
}

// Decide records an approver's verdict. The request must be pending and the
// actor eligible; the returned request carries the resolution label.
func (c *Coordinator) Decide(ctx context.Context, tenantID, requestID string, decision model.Decision, actor model.Actor, reason string) (model.ApprovalRequest, error) {
	if !decision.Valid() {
		return model.ApprovalRequest{}, model.NewBadRequestError(
			fmt.Sprintf("decision must be %q or %q", model.DecisionApproved, model.DecisionRejected),
		)
	}
	req, err := c.pending(ctx, tenantID, requestID, actor)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	now := c.now()
	req.Status = model.ApprovalStatus(decision)
	req.Resolution = string(decision)
	req.DecidedBy = actor.ID
	req.DecidedAt = &now
	req.DecisionReason = reason
	if err := c.store.Resolve(ctx, req); err != nil {
		return model.ApprovalRequest{}, err
	}
	req.Version++

	c.logger.Info("approval decided",
		zap.String("request_id", req.ID),
		zap.String("run_id", req.RunID),
		zap.String("decision", string(decision)),
		zap.String("actor", actor.ID),
	)
	return req, nil
}

// Delegate hands a pending request to another approver. The successor keeps
// the original due time and escalation level.
func (c *Coordinator) Delegate(ctx context.Context, tenantID, requestID, delegateID string, actor model.Actor, reason string) (old, next model.ApprovalRequest, err error) {
	if delegateID == "" {
		return old, next, model.NewBadRequestError("delegate id is required")
	}
	old, err = c.pending(ctx, tenantID, requestID, actor)
	if err != nil {
		return old, next, err
	}
	if delegateID == old.ApproverID {
		return old, next, model.NewBadRequestError(fmt.Sprintf("request %q is already assigned to %q", requestID, delegateID))
	}

	now := c.now()
	next = model.ApprovalRequest{
		ID:              uuid.New().String(),
		TenantID:        old.TenantID,
		RunID:           old.RunID,
		NodeID:          old.NodeID,
		ApproverRole:    old.ApproverRole,
		ApproverID:      delegateID,
		Status:          model.ApprovalPending,
		CreatedAt:       now,
		DueAt:           old.DueAt,
		EscalationLevel: old.EscalationLevel,
		PreviousID:      old.ID,
	}
	old.Status = model.ApprovalDelegated
	old.DecidedBy = actor.ID
	old.DecidedAt = &now
	old.DecisionReason = reason
	if err := c.store.Replace(ctx, old, next); err != nil {
		return model.ApprovalRequest{}, model.ApprovalRequest{}, err
	}
	old.Version++

	c.logger.Info("approval delegated",
		zap.String("request_id", old.ID),
		zap.String("successor_id", next.ID),
		zap.String("delegate", delegateID),
		zap.String("actor", actor.ID),
	)
	return old, next, nil
}

// pending loads a request that must still be pending and decidable by actor.
func (c *Coordinator) pending(ctx context.Context, tenantID, requestID string, actor model.Actor) (model.ApprovalRequest, error) {
	req, err := c.store.Get(ctx, tenantID, requestID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	if req.Status != model.ApprovalPending {
		return model.ApprovalRequest{}, model.NewNotPendingError(req.ID, req.Status)
	}
	if !req.Eligible(actor) {
		return model.ApprovalRequest{}, model.NewNotApproverError(actor.ID, req.ID)
	}
	return req, nil
}

// Expiry is the outcome of applying a timeout policy.
type Expiry struct {
	// Expired is the request that timed out. Its Resolution is the label the
	// node resolves with, or empty when the node was escalated.
	Expired model.ApprovalRequest
	// Escalated is the successor request, set only on escalation.
	Escalated *model.ApprovalRequest
}

// Expire applies the node's timeout policy to an overdue pending request.
// auto_reject and auto_approve resolve the node; escalate opens a successor
// for the escalation target until the escalation limit is reached, after
// which the request is rejected.
func (c *Coordinator) Expire(ctx context.Context, req model.ApprovalRequest, cfg model.ApprovalConfig) (Expiry, error) {
	now := c.now()
	if req.Status != model.ApprovalPending {
		return Expiry{}, model.NewNotPendingError(req.ID, req.Status)
	}
	if !now.After(req.DueAt) {
		return Expiry{}, model.NewConflictError(fmt.Sprintf("approval request %q is not due until %s", req.ID, req.DueAt.Format(time.RFC3339)))
	}

	req.Status = model.ApprovalExpired
	req.DecidedBy = model.SystemActor
	req.DecidedAt = &now

	policy := cfg.OnTimeout
	if policy == model.TimeoutEscalate && req.EscalationLevel >= cfg.MaxEscalations {
		policy = model.TimeoutAutoReject
	}

	switch policy {
	case model.TimeoutEscalate:
		role := cfg.EscalateRole
		if role == "" {
			role = req.ApproverRole
		}
		next := model.ApprovalRequest{
			ID:              uuid.New().String(),
			TenantID:        req.TenantID,
			RunID:           req.RunID,
			NodeID:          req.NodeID,
			ApproverRole:    role,
			ApproverID:      cfg.EscalateTo,
			Status:          model.ApprovalPending,
			CreatedAt:       now,
			DueAt:           now.Add(cfg.Timeout()),
			EscalationLevel: req.EscalationLevel + 1,
			PreviousID:      req.ID,
		}
		req.DecisionReason = fmt.Sprintf("escalated to level %d", next.EscalationLevel)
		if err := c.store.Replace(ctx, req, next); err != nil {
			return Expiry{}, err
		}
		req.Version++
		c.logger.Info("approval escalated",
			zap.String("request_id", req.ID),
			zap.String("successor_id", next.ID),
			zap.Int("level", next.EscalationLevel),
		)
		return Expiry{Expired: req, Escalated: &next}, nil

	case model.TimeoutAutoApprove:
		req.Resolution = string(model.DecisionApproved)
		req.DecisionReason = "approved on timeout"
	default:
		req.Resolution = string(model.DecisionRejected)
		req.DecisionReason = "rejected on timeout"
	}

	if err := c.store.Resolve(ctx, req); err != nil {
		return Expiry{}, err
	}
	req.Version++
	c.logger.Info("approval expired",
		zap.String("request_id", req.ID),
		zap.String("run_id", req.RunID),
		zap.String("resolution", req.Resolution),
	)
	return Expiry{Expired: req}, nil
}

// Withdraw expires a run's pending requests without resolving their nodes,
// e.g. when the run is cancelled or fails. Requests resolved concurrently
// are skipped.
func (c *Coordinator) Withdraw(ctx context.Context, tenantID, runID, reason string) ([]model.ApprovalRequest, error) {
	pending, err := c.store.List(ctx, tenantID, model.ApprovalFilters{RunID: runID, Status: model.ApprovalPending})
	if err != nil {
		return nil, err
	}
	now := c.now()
	var withdrawn []model.ApprovalRequest
	for _, req := range pending {
		req.Status = model.ApprovalExpired
		req.DecidedBy = model.SystemActor
		req.DecidedAt = &now
		req.DecisionReason = reason
		err := c.store.Resolve(ctx, req)
		if model.IsCode(err, model.ErrNotPending) {
			continue
		}
		if err != nil {
			return withdrawn, err
		}
		req.Version++
		withdrawn = append(withdrawn, req)
	}
	if len(withdrawn) > 0 {
		c.logger.Info("approvals withdrawn",
			zap.String("run_id", runID),
			zap.Int("count", len(withdrawn)),
			zap.String("reason", reason),
		)
	}
	return withdrawn, nil
}

// Get returns one request.
func (c *Coordinator) Get(ctx context.Context, tenantID, requestID string) (model.ApprovalRequest, error) {
	return c.store.Get(ctx, tenantID, requestID)
}

// List returns a tenant's requests.
func (c *Coordinator) List(ctx context.Context, tenantID string, filters model.ApprovalFilters) ([]model.ApprovalRequest, error) {
	return c.store.List(ctx, tenantID, filters)
}

// Latest returns the newest request of a (run, node) pair.
func (c *Coordinator) Latest(ctx context.Context, runID, nodeID string) (model.ApprovalRequest, bool, error) {
	return c.store.Latest(ctx, runID, nodeID)
}

// FindDue returns pending requests whose due time has passed.
func (c *Coordinator) FindDue(ctx context.Context, limit int) ([]model.ApprovalRequest, error) {
	return c.store.FindDue(ctx, c.now(), limit)
}
