package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/action"
	"github.com/pitabwire/flowdesk/internal/approval"
	"github.com/pitabwire/flowdesk/internal/definition"
	"github.com/pitabwire/flowdesk/model"
)

const (
	dryRunTenant = "dry-run"
	dryRunActor  = "dry-run"
)

// DryRunRequest executes a draft definition without side effects.
// Decisions maps approval node ids to the decision applied when the run
// waits on that node; approvals without one stay pending.
type DryRunRequest struct {
	Definition model.WorkflowDefinition  `json:"definition"`
	EventType  string                    `json:"eventType,omitempty"`
	Context    map[string]any            `json:"context"`
	Decisions  map[string]model.Decision `json:"decisions,omitempty"`
}

// DryRunAction is an action the dry run would have dispatched.
type DryRunAction struct {
	NodeID     string             `json:"node_id"`
	ActionType model.ActionType   `json:"action_type"`
	Config     model.ActionConfig `json:"config"`
}

// DryRunReport is the path a dry run took and where it stopped.
type DryRunReport struct {
	Status           model.RunStatus         `json:"status"`
	FailureReason    string                  `json:"failure_reason,omitempty"`
	Frontier         []string                `json:"frontier"`
	Path             []model.HistoryEntry    `json:"path"`
	PendingApprovals []model.ApprovalRequest `json:"pending_approvals"`
	Actions          []DryRunAction          `json:"actions"`
	Pairs            map[string]string       `json:"pairs,omitempty"`
}

// DryRun validates def and runs it against in-memory stores with a
// recording dispatcher. Every action succeeds. A definition failing
// validation returns VALIDATION_ERROR.
func DryRun(ctx context.Context, req DryRunRequest, logger *zap.Logger) (DryRunReport, error) {
	defs := definition.NewService(definition.NewMemoryStore(), definition.NewRegistry(nil), logger)
	rctx := &model.RequestContext{SubjectID: dryRunActor, TenantID: dryRunTenant}

	def := req.Definition
	if def.Name == "" && def.Key == "" {
		def.Key = "dry-run"
	}
	stored, err := defs.Submit(ctx, rctx, def, true)
	if err != nil {
		return DryRunReport{}, err
	}
	g, err := defs.Graph(ctx, dryRunTenant, stored.ID)
	if err != nil {
		return DryRunReport{}, err
	}

	recorder := &recordingDispatcher{}
	eng := NewEngine(defs, NewMemoryRunStore(), approval.NewCoordinator(approval.NewMemoryStore(), logger),
		recorder, NewLocalLocker(time.Second), logger)

	runs, err := eng.Trigger(ctx, dryRunTenant, rctx.Actor(), TriggerRequest{
		DefinitionID: stored.ID,
		EventType:    req.EventType,
		Context:      req.Context,
	})
	if err != nil {
		return DryRunReport{}, err
	}
	run := runs[0]

	for range len(stored.Nodes) {
		view, err := eng.Get(ctx, dryRunTenant, run.ID)
		if err != nil {
			return DryRunReport{}, err
		}
		decided := false
		for _, p := range view.PendingApprovals {
			d, ok := req.Decisions[p.NodeID]
			if !ok {
				continue
			}
			approver := model.Actor{ID: p.ApproverID, Roles: []string{p.ApproverRole}}
			if approver.ID == "" {
				approver.ID = dryRunActor
			}
			if _, err := eng.Decide(ctx, dryRunTenant, p.ID, d, approver, "dry run"); err != nil {
				return DryRunReport{}, fmt.Errorf("decide %s: %w", p.NodeID, err)
			}
			decided = true
		}
		if !decided {
			break
		}
	}

	view, err := eng.Get(ctx, dryRunTenant, run.ID)
	if err != nil {
		return DryRunReport{}, err
	}
	path, err := eng.History(ctx, dryRunTenant, run.ID)
	if err != nil {
		return DryRunReport{}, err
	}
	return DryRunReport{
		Status:           view.Status,
		FailureReason:    view.FailureReason,
		Frontier:         view.Frontier,
		Path:             path,
		PendingApprovals: view.PendingApprovals,
		Actions:          recorder.actions(),
		Pairs:            g.Pairs(),
	}, nil
}

// recordingDispatcher records action requests and reports success.
type recordingDispatcher struct {
	mu  sync.Mutex
	got []DryRunAction
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req action.Request) model.ActionOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, DryRunAction{NodeID: req.NodeID, ActionType: req.Config.ActionType, Config: req.Config})
	return model.Succeeded("recorded " + string(req.Config.ActionType))
}

func (d *recordingDispatcher) actions() []DryRunAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DryRunAction(nil), d.got...)
}
