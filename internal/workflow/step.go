package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/flowdesk/internal/action"
	"github.com/pitabwire/flowdesk/internal/approval"
	"github.com/pitabwire/flowdesk/internal/condition"
	"github.com/pitabwire/flowdesk/internal/definition"
	"github.com/pitabwire/flowdesk/internal/history"
	"github.com/pitabwire/flowdesk/model"
)

// Dispatcher performs action nodes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req action.Request) model.ActionOutcome
}

// stepper advances one run in memory. Side effects go through the approval
// coordinator and the action dispatcher; the caller persists the run and the
// recorded entries in a single commit.
type stepper struct {
	graph       *definition.Graph
	run         *model.Run
	actor       model.Actor
	hist        *history.Builder
	approvals   *approval.Coordinator
	actions     Dispatcher
	observer    Observer
	logger      *zap.Logger
	concurrency int
	stop        func() bool

	opened []model.ApprovalRequest
}

// move describes one frontier transition.
type move struct {
	kind    model.HistoryKind
	targets []string
	push    string // join paired with a split; successors enter its scope
	failed  string // the branch fails with this reason instead of moving on
	actor   string
	detail  string
	from    string // status overrides for approval entries
	to      string
	data    map[string]any
}

// runnable returns the frontier nodes that can advance now: everything not
// waiting on an approval.
func (s *stepper) runnable() []string {
	var out []string
	for _, id := range s.run.Frontier {
		if !s.run.IsAwaiting(id) {
			out = append(out, id)
		}
	}
	return out
}

// advance processes the frontier in waves until only approval waits remain,
// the run fails, or cancellation is requested. Actions of one wave are
// dispatched concurrently; transitions are applied in node order.
func (s *stepper) advance(ctx context.Context) error {
	limit := len(s.graph.Definition().Nodes) + 1
	for wave := 0; ; wave++ {
		if s.run.FailureReason != "" || s.stop() {
			return nil
		}
		ready := s.runnable()
		if len(ready) == 0 {
			return nil
		}
		if wave >= limit {
			return fmt.Errorf("run %s did not settle after %d waves", s.run.ID, wave)
		}

		outcomes := s.dispatch(ctx, ready)
		for _, id := range ready {
			if err := s.process(ctx, id, outcomes[id]); err != nil {
				return err
			}
		}
	}
}

// dispatch runs the actions among ready. Calls are detached from the
// caller's cancellation: a dispatched action always runs to completion.
func (s *stepper) dispatch(ctx context.Context, ready []string) map[string]model.ActionOutcome {
	var ids []string
	for _, id := range ready {
		if v, ok := s.graph.Vertex(id); ok && v.Type == model.NodeAction {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	results := make([]model.ActionOutcome, len(ids))
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(max(s.concurrency, 1))
	for i, id := range ids {
		v, _ := s.graph.Vertex(id)
		req := action.Request{
			TenantID: s.run.TenantID,
			RunID:    s.run.ID,
			NodeID:   id,
			Actor:    s.actor,
			Config:   *v.Config.Action,
			Context:  s.run.Context,
		}
		g.Go(func() error {
			results[i] = s.actions.Dispatch(gctx, req)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]model.ActionOutcome, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out
}

func (s *stepper) process(ctx context.Context, id string, outcome model.ActionOutcome) error {
	v, ok := s.graph.Vertex(id)
	if !ok {
		return fmt.Errorf("run %s: frontier node %q not in definition %s", s.run.ID, id, s.graph.ID())
	}
	s.observer.NodeAdvanced(v.Type)

	switch v.Type {
	case model.NodeTrigger:
		s.transition(id, move{
			kind:    model.HistoryTriggered,
			targets: v.Next(),
			actor:   s.run.TriggeredBy,
			detail:  "event " + s.run.EventType,
		})
	case model.NodeCondition:
		s.evaluate(v)
	case model.NodeApproval:
		return s.open(ctx, v)
	case model.NodeAction:
		s.complete(v, outcome)
	case model.NodeParallelSplit:
		join, ok := s.graph.JoinFor(id)
		if !ok {
			return fmt.Errorf("split %q has no paired join", id)
		}
		targets := v.Next()
		if s.run.Joins == nil {
			s.run.Joins = make(map[string]*model.JoinState)
		}
		s.run.Joins[join] = &model.JoinState{Split: id, Expected: len(targets)}
		s.transition(id, move{
			kind:    model.HistorySplit,
			targets: targets,
			push:    join,
			detail:  fmt.Sprintf("%d branches joined at %s", len(targets), join),
		})
	case model.NodeMergeJoin:
		js := s.run.Joins[id]
		if js == nil || !js.Released {
			return fmt.Errorf("join %q reached outside its parallel scope", id)
		}
		m := move{
			kind:    model.HistoryJoinReleased,
			targets: v.Next(),
			detail:  fmt.Sprintf("%d of %d branches arrived", js.Arrived, js.Expected),
			data:    map[string]any{"outcomes": js.Outcomes},
		}
		if js.Failed() {
			m.failed = fmt.Sprintf("branch of %s failed before %s", js.Split, id)
		}
		s.transition(id, m)
	default:
		return fmt.Errorf("node %q has unknown type %q", id, v.Type)
	}
	return nil
}

func (s *stepper) evaluate(v *definition.Vertex) {
	label, err := condition.Evaluate(*v.Config.Condition, s.run.Context)
	var target string
	if err == nil {
		var ok bool
		if target, ok = v.Follow(label); !ok {
			err = fmt.Errorf("no edge labeled %q", label)
		}
	}
	if err != nil {
		s.logger.Debug("condition evaluation failed",
			zap.String("run_id", s.run.ID),
			zap.String("node_id", v.ID),
			zap.Error(err),
		)
		if onErr, ok := v.Follow(model.LabelOnError); ok {
			s.transition(v.ID, move{
				kind:    model.HistoryEvaluationFailed,
				targets: []string{onErr},
				detail:  err.Error(),
				data:    map[string]any{"label": model.LabelOnError},
			})
			return
		}
		s.transition(v.ID, move{
			kind:   model.HistoryEvaluationFailed,
			failed: fmt.Sprintf("condition %s: %v", v.ID, err),
		})
		return
	}

	s.logger.Debug("condition evaluated",
		zap.String("run_id", s.run.ID),
		zap.String("node_id", v.ID),
		zap.String("label", label),
	)
	s.transition(v.ID, move{
		kind:    model.HistoryBranchSelected,
		targets: []string{target},
		detail:  "label " + label,
		data:    map[string]any{"label": label},
	})
}

// open creates the node's approval request. The node stays on the frontier
// until the request resolves; no history entry is written.
func (s *stepper) open(ctx context.Context, v *definition.Vertex) error {
	req, created, err := s.approvals.Open(ctx, *s.run, v.ID, *v.Config.Approval)
	if err != nil {
		return fmt.Errorf("open approval for %s: %w", v.ID, err)
	}
	s.run.Awaiting = append(s.run.Awaiting, v.ID)
	slices.Sort(s.run.Awaiting)
	if created {
		s.opened = append(s.opened, req)
		s.observer.ApprovalOpened()
	}
	return nil
}

func (s *stepper) complete(v *definition.Vertex, out model.ActionOutcome) {
	cfg := *v.Config.Action
	s.observer.ActionDispatched(cfg.ActionType, out.Success)

	data := map[string]any{"action_type": string(cfg.ActionType), "attempts": out.Attempts}
	if out.Output != nil {
		data["output"] = out.Output
	}
	next := v.Next()
	if cfg.Terminal {
		next = nil
	}

	if out.Success {
		s.transition(v.ID, move{kind: model.HistoryActionCompleted, targets: next, detail: out.Detail, data: data})
		return
	}
	if t, ok := failureEdge(v); ok {
		s.transition(v.ID, move{kind: model.HistoryActionFailed, targets: []string{t}, detail: out.Detail, data: data})
		return
	}
	if !cfg.Critical {
		s.transition(v.ID, move{kind: model.HistoryActionFailed, targets: next, detail: out.Detail, data: data})
		return
	}
	s.transition(v.ID, move{
		kind:   model.HistoryActionFailed,
		failed: fmt.Sprintf("critical action %s failed: %s", v.ID, out.Detail),
		detail: out.Detail,
		data:   data,
	})
}

func failureEdge(v *definition.Vertex) (string, bool) {
	if t, ok := v.Follow(model.LabelOnFailure); ok {
		return t, true
	}
	return v.Follow(model.LabelFailed)
}

// resolve moves an awaiting approval node along the edge for label. A
// missing edge ends the branch.
func (s *stepper) resolve(req model.ApprovalRequest, kind model.HistoryKind, actor string) error {
	node := req.NodeID
	if !s.run.IsAwaiting(node) {
		return fmt.Errorf("run %s is not awaiting node %q", s.run.ID, node)
	}
	v, ok := s.graph.Vertex(node)
	if !ok {
		return fmt.Errorf("run %s: node %q not in definition %s", s.run.ID, node, s.graph.ID())
	}
	s.run.Awaiting = slices.DeleteFunc(s.run.Awaiting, func(id string) bool { return id == node })
	if len(s.run.Awaiting) == 0 {
		s.run.Awaiting = nil
	}

	var targets []string
	if t, ok := v.Follow(req.Resolution); ok {
		targets = []string{t}
	}
	s.transition(node, move{
		kind:    kind,
		targets: targets,
		actor:   actor,
		detail:  req.DecisionReason,
		from:    string(model.ApprovalPending),
		to:      string(req.Status),
		data:    map[string]any{"request_id": req.ID, "resolution": req.Resolution},
	})
	return nil
}

// transition moves the token on node to m.targets and records one entry.
// A branch that ends or fails inside a parallel scope arrives at the scope's
// join; the arrival that releases the join puts the join on the frontier and
// is recorded as the entry's target.
func (s *stepper) transition(node string, m move) model.HistoryEntry {
	before := deriveStatus(s.run)
	scope := s.run.Scopes[node]
	s.run.RemoveFrontier(node)
	delete(s.run.Scopes, node)

	var entered []string
	switch {
	case m.failed != "":
		entered = s.end(node, scope, model.OutcomeFailed, m.failed)
	case len(m.targets) == 0:
		entered = s.end(node, scope, model.OutcomeEnded, "")
	default:
		child := scope
		if m.push != "" {
			child = append(slices.Clone(scope), m.push)
		}
		for _, t := range m.targets {
			if n := len(child); n > 0 && t == child[n-1] {
				if s.arrive(t, node, child, model.OutcomeArrived) {
					entered = append(entered, t)
				}
				continue
			}
			s.enter(t, child)
			entered = append(entered, t)
		}
	}

	from, to := m.from, m.to
	if from == "" {
		from = string(before)
	}
	if to == "" {
		to = string(deriveStatus(s.run))
	}
	detail := m.detail
	if detail == "" {
		detail = m.failed
	}
	return s.hist.Add(history.Step{
		Kind:    m.kind,
		NodeID:  node,
		Targets: entered,
		From:    from,
		To:      to,
		Actor:   m.actor,
		Detail:  detail,
		Data:    m.data,
	})
}

// end finishes a branch. Inside a scope it counts as an arrival at the
// innermost join; a failure outside any scope fails the run.
func (s *stepper) end(node string, scope []string, outcome, reason string) []string {
	n := len(scope)
	if n == 0 {
		if outcome == model.OutcomeFailed && s.run.FailureReason == "" {
			s.run.FailureReason = reason
		}
		return nil
	}
	join := scope[n-1]
	if s.arrive(join, node, scope, outcome) {
		return []string{join}
	}
	return nil
}

// arrive records an arrival at join, whose scope is the innermost entry of
// scope, and reports whether it released the join.
func (s *stepper) arrive(join, from string, scope []string, outcome string) bool {
	js := s.run.Joins[join]
	if js == nil {
		if s.run.FailureReason == "" {
			s.run.FailureReason = fmt.Sprintf("join %s reached before its split", join)
		}
		return false
	}
	if !js.Arrive(from, outcome) {
		return false
	}
	s.enter(join, scope[:len(scope)-1])
	return true
}

func (s *stepper) enter(node string, scope []string) {
	s.run.AddFrontier(node)
	if len(scope) == 0 {
		return
	}
	if s.run.Scopes == nil {
		s.run.Scopes = make(map[string][]string)
	}
	s.run.Scopes[node] = slices.Clone(scope)
}

// finish settles the run's status after a step.
func (s *stepper) finish(now time.Time) {
	if s.run.FailureReason == "" && len(s.run.Frontier) == 0 {
		if waiting := s.run.WaitingJoins(); len(waiting) > 0 {
			s.run.FailureReason = fmt.Sprintf("joins %v were never released", waiting)
		}
	}
	if len(s.run.Scopes) == 0 {
		s.run.Scopes = nil
	}
	s.run.Status = deriveStatus(s.run)
	s.run.HistoryLen = s.hist.Len()
	s.run.UpdatedAt = now
	if s.run.Status.Terminal() && s.run.CompletedAt == nil {
		s.run.CompletedAt = &now
	}
}

// deriveStatus computes a run's status from its frontier.
func deriveStatus(run *model.Run) model.RunStatus {
	switch {
	case run.Status == model.RunCancelled:
		return model.RunCancelled
	case run.FailureReason != "":
		return model.RunFailed
	case len(run.Frontier) == 0:
		return model.RunCompleted
	}
	for _, id := range run.Frontier {
		if !run.IsAwaiting(id) {
			return model.RunRunning
		}
	}
	return model.RunWaitingApproval
}
