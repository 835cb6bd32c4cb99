// Package workflow executes runs of workflow definitions: trigger matching,
// frontier advancement across condition, approval, action and parallel
// nodes, approval resumption, cancellation and timer-driven expiry.
package workflow

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/approval"
	"github.com/pitabwire/flowdesk/internal/definition"
	"github.com/pitabwire/flowdesk/internal/history"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/model"
)

const (
	defaultConcurrency = 8
	reconcileBatch     = 100
)

// TriggerRequest starts runs for an event. With DefinitionID set only that
// definition is considered; otherwise every active definition with a trigger
// for EventType starts a run.
type TriggerRequest struct {
	DefinitionID string         `json:"definitionId,omitempty"`
	EventType    string         `json:"eventType"`
	Context      map[string]any `json:"context"`
}

// RunView is a run together with its open approval requests.
type RunView struct {
	model.Run
	PendingApprovals []model.ApprovalRequest `json:"pending_approvals"`
}

// Engine drives workflow runs. Every operation that mutates a run holds the
// run's lock for the whole read-advance-commit cycle.
type Engine struct {
	definitions *definition.Service
	runs        RunStore
	approvals   *approval.Coordinator
	actions     Dispatcher
	locker      Locker
	observer    Observer
	logger      *zap.Logger
	now         func() time.Time
	concurrency int

	// Run ids with a cancellation in flight; steps stop between waves.
	cancelling sync.Map

	onOpened func(model.ApprovalRequest)
}

// NewEngine creates a workflow engine.
func NewEngine(
	definitions *definition.Service,
	runs RunStore,
	approvals *approval.Coordinator,
	actions Dispatcher,
	locker Locker,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		definitions: definitions,
		runs:        runs,
		approvals:   approvals,
		actions:     actions,
		locker:      locker,
		observer:    nopObserver{},
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: defaultConcurrency,
	}
}

// SetObserver installs the metrics observer.
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	e.observer = o
}

// SetClock overrides the time source. For testing.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetConcurrency bounds the number of actions dispatched at once per run.
func (e *Engine) SetConcurrency(n int) {
	if n > 0 {
		e.concurrency = n
	}
}

// OnApprovalOpened registers a callback invoked after a commit that opened
// approval requests, e.g. to schedule their timers.
func (e *Engine) OnApprovalOpened(fn func(model.ApprovalRequest)) {
	e.onOpened = fn
}

// Trigger starts one run per matching trigger node and advances each until
// it waits, completes or fails.
func (e *Engine) Trigger(ctx context.Context, tenantID string, actor model.Actor, req TriggerRequest) (runs []model.Run, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.trigger",
		observability.AttrTenantID.String(tenantID),
		observability.AttrEventType.String(req.EventType),
	)
	defer func() { observability.EndSpan(span, err) }()

	// 1. Resolve the entry points.
	refs, err := e.match(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}

	// 2. Start a run per entry point. Runs are independent, so a failure to
	// start one does not stop the rest.
	var failures []StartFailure
	for _, ref := range refs {
		run, err := e.start(ctx, tenantID, actor, ref, req)
		if err != nil {
			failures = append(failures, StartFailure{
				DefinitionID: ref.Graph.Definition().ID,
				TriggerNode:  ref.Node,
				Err:          err,
			})
			continue
		}
		runs = append(runs, run)
	}

	switch {
	case len(failures) == 0:
		return runs, nil
	case len(failures) == 1 && len(runs) == 0:
		return nil, failures[0].Err
	default:
		e.logger.Warn("trigger started some runs",
			zap.String("tenant_id", tenantID),
			zap.String("event_type", req.EventType),
			zap.Int("started", len(runs)),
			zap.Int("failed", len(failures)),
		)
		return runs, &TriggerError{Failures: failures}
	}
}

// StartFailure is a matched entry point whose run could not be started.
type StartFailure struct {
	DefinitionID string
	TriggerNode  string
	Err          error
}

func (f StartFailure) Error() string {
	return fmt.Sprintf("start %s from %s: %v", f.DefinitionID, f.TriggerNode, f.Err)
}

func (f StartFailure) Unwrap() error { return f.Err }

// TriggerError is returned by Trigger when at least one matched entry point
// failed to start. Runs that did start are returned alongside it.
type TriggerError struct {
	Failures []StartFailure
}

func (e *TriggerError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d run(s) not started: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *TriggerError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

func (e *Engine) match(ctx context.Context, tenantID string, req TriggerRequest) ([]definition.TriggerRef, error) {
	if req.DefinitionID == "" {
		if req.EventType == "" {
			return nil, model.NewBadRequestError("eventType is required")
		}
		refs := e.definitions.Match(tenantID, req.EventType)
		if len(refs) == 0 {
			return nil, model.NewNotFoundError(fmt.Sprintf("no active workflow handles event %q", req.EventType))
		}
		return refs, nil
	}

	g, err := e.definitions.Active(ctx, tenantID, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	if req.EventType == "" {
		triggers := g.Triggers()
		if len(triggers) != 1 {
			return nil, model.NewBadRequestError(fmt.Sprintf(
				"definition %q has %d triggers, eventType is required", req.DefinitionID, len(triggers)))
		}
		return []definition.TriggerRef{{Graph: g, Node: triggers[0]}}, nil
	}
	nodes := g.TriggersFor(req.EventType)
	if len(nodes) == 0 {
		return nil, model.NewNotFoundError(fmt.Sprintf(
			"definition %q has no trigger for event %q", req.DefinitionID, req.EventType))
	}
	refs := make([]definition.TriggerRef, len(nodes))
	for i, n := range nodes {
		refs[i] = definition.TriggerRef{Graph: g, Node: n}
	}
	return refs, nil
}

func (e *Engine) start(ctx context.Context, tenantID string, actor model.Actor, ref definition.TriggerRef, req TriggerRequest) (model.Run, error) {
	def := ref.Graph.Definition()
	event := req.EventType
	if event == "" {
		if v, ok := ref.Graph.Vertex(ref.Node); ok && v.Config.Trigger != nil {
			event = v.Config.Trigger.Event
		}
	}
	data := make(map[string]any, len(req.Context))
	maps.Copy(data, req.Context)

	now := e.now()
	run := model.Run{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		DefinitionID:      def.ID,
		DefinitionKey:     def.Key,
		DefinitionVersion: def.Version,
		TriggerNode:       ref.Node,
		EventType:         event,
		Context:           data,
		Frontier:          []string{ref.Node},
		Status:            model.RunRunning,
		TriggeredBy:       actor.ID,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	e.observer.RunStarted(def.Key)
	trace.SpanFromContext(ctx).AddEvent("run started", trace.WithAttributes(observability.RunAttributes(run)...))

	s := e.stepper(ref.Graph, &run, actor, now)
	if err := s.advance(ctx); err != nil {
		return model.Run{}, fmt.Errorf("advance run %s: %w", run.ID, err)
	}
	s.finish(now)
	if err := e.runs.Create(ctx, run, s.hist.Entries()); err != nil {
		return model.Run{}, err
	}
	e.committed(ctx, run, s, model.RunRunning)
	return run, nil
}

// Decide records a decision on a pending approval request and resumes the
// run from the approval node along the decision's edge.
func (e *Engine) Decide(ctx context.Context, tenantID, requestID string, decision model.Decision, actor model.Actor, reason string) (run model.Run, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.decide",
		observability.AttrTenantID.String(tenantID),
		observability.AttrRequestID.String(requestID),
	)
	defer func() { observability.EndSpan(span, err) }()

	if !decision.Valid() {
		return model.Run{}, model.NewBadRequestError(fmt.Sprintf("decision must be approved or rejected, got %q", decision))
	}
	req, err := e.approvals.Get(ctx, tenantID, requestID)
	if err != nil {
		return model.Run{}, err
	}
	unlock, err := e.lock(ctx, req.RunID)
	if err != nil {
		return model.Run{}, err
	}
	defer unlock()

	if err := e.requirePending(ctx, tenantID, requestID); err != nil {
		return model.Run{}, err
	}
	run, err = e.activeRun(ctx, tenantID, req.RunID)
	if err != nil {
		return model.Run{}, err
	}
	decided, err := e.approvals.Decide(ctx, tenantID, requestID, decision, actor, reason)
	if err != nil {
		return model.Run{}, err
	}
	e.observer.ApprovalResolved(string(decision))
	return e.resume(ctx, run, decided, model.HistoryApprovalDecided, actor)
}

// requirePending re-reads the request under the run lock. A request that was
// decided, delegated or expired is NOT_PENDING whatever its run's state.
func (e *Engine) requirePending(ctx context.Context, tenantID, requestID string) error {
	req, err := e.approvals.Get(ctx, tenantID, requestID)
	if err != nil {
		return err
	}
	if req.Status != model.ApprovalPending {
		return model.NewNotPendingError(req.ID, req.Status)
	}
	return nil
}

// Delegate hands a pending approval request to another approver. The node
// stays pending; the successor request keeps the original due time.
func (e *Engine) Delegate(ctx context.Context, tenantID, requestID, delegateID string, actor model.Actor, reason string) (next model.ApprovalRequest, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.delegate",
		observability.AttrTenantID.String(tenantID),
		observability.AttrRequestID.String(requestID),
	)
	defer func() { observability.EndSpan(span, err) }()

	req, err := e.approvals.Get(ctx, tenantID, requestID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	unlock, err := e.lock(ctx, req.RunID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	defer unlock()

	if err := e.requirePending(ctx, tenantID, requestID); err != nil {
		return model.ApprovalRequest{}, err
	}
	run, err := e.activeRun(ctx, tenantID, req.RunID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	old, next, err := e.approvals.Delegate(ctx, tenantID, requestID, delegateID, actor, reason)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	e.observer.ApprovalResolved(string(model.ApprovalDelegated))

	err = e.annotate(ctx, run, history.Step{
		Kind:   model.HistoryApprovalDelegated,
		NodeID: old.NodeID,
		From:   string(model.ApprovalPending),
		To:     string(model.ApprovalDelegated),
		Actor:  actor.ID,
		Detail: reason,
		Data: map[string]any{
			"request_id":   old.ID,
			"successor_id": next.ID,
			"delegate_id":  delegateID,
		},
	})
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	e.opened(next)
	return next, nil
}

// Expire applies the timeout policy of an overdue approval request. It is a
// no-op when the request was resolved first or is not yet due.
func (e *Engine) Expire(ctx context.Context, req model.ApprovalRequest) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.expire",
		observability.AttrRunID.String(req.RunID),
		observability.AttrRequestID.String(req.ID),
	)
	defer func() { observability.EndSpan(span, err) }()

	unlock, err := e.lock(ctx, req.RunID)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := e.approvals.Get(ctx, req.TenantID, req.ID)
	if err != nil {
		return err
	}
	if cur.Status != model.ApprovalPending || !e.now().After(cur.DueAt) {
		return nil
	}

	run, err := e.runs.Get(ctx, cur.TenantID, cur.RunID)
	if model.IsCode(err, model.ErrNotFound) {
		_, err = e.approvals.Withdraw(ctx, cur.TenantID, cur.RunID, "run not found")
		return err
	}
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		_, err = e.approvals.Withdraw(ctx, cur.TenantID, cur.RunID, "run "+string(run.Status))
		return err
	}

	g, err := e.definitions.Graph(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return err
	}
	v, ok := g.Vertex(cur.NodeID)
	if !ok || v.Config.Approval == nil {
		return fmt.Errorf("request %s: node %q is not an approval node", cur.ID, cur.NodeID)
	}

	exp, err := e.approvals.Expire(ctx, cur, *v.Config.Approval)
	if model.IsCode(err, model.ErrNotPending) {
		return nil
	}
	if err != nil {
		return err
	}
	e.observer.TimerFired()

	if exp.Escalated != nil {
		e.observer.ApprovalResolved("escalated")
		err = e.annotate(ctx, run, history.Step{
			Kind:   model.HistoryApprovalEscalated,
			NodeID: cur.NodeID,
			From:   string(model.ApprovalPending),
			To:     string(model.ApprovalExpired),
			Detail: exp.Expired.DecisionReason,
			Data: map[string]any{
				"request_id":    exp.Expired.ID,
				"successor_id":  exp.Escalated.ID,
				"level":         exp.Escalated.EscalationLevel,
				"approver_id":   exp.Escalated.ApproverID,
				"approver_role": exp.Escalated.ApproverRole,
			},
		})
		if err != nil {
			return err
		}
		e.opened(*exp.Escalated)
		return nil
	}

	e.observer.ApprovalResolved(string(model.ApprovalExpired))
	_, err = e.resume(ctx, run, exp.Expired, model.HistoryApprovalExpired, model.System())
	return err
}

// Cancel stops a run. It is always permitted and idempotent: a run that has
// already completed or failed is returned unchanged. Pending approvals are
// withdrawn; in-flight actions finish but no further node is entered.
func (e *Engine) Cancel(ctx context.Context, tenantID, runID string, actor model.Actor, reason string) (run model.Run, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrTenantID.String(tenantID),
		observability.AttrRunID.String(runID),
	)
	defer func() { observability.EndSpan(span, err) }()

	e.cancelling.Store(runID, struct{}{})
	defer e.cancelling.Delete(runID)

	unlock, err := e.lock(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	defer unlock()

	run, err = e.runs.Get(ctx, tenantID, runID)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	withdrawn, err := e.approvals.Withdraw(ctx, tenantID, runID, "run cancelled")
	if err != nil {
		return model.Run{}, err
	}
	ids := make([]string, len(withdrawn))
	for i, w := range withdrawn {
		ids[i] = w.ID
	}
	if reason == "" {
		reason = "cancelled by " + actor.ID
	}

	now := e.now()
	prev := run.Status
	b := history.NewBuilder(run, now)
	b.Add(history.Step{
		Kind:   model.HistoryRunCancelled,
		From:   string(prev),
		To:     string(model.RunCancelled),
		Actor:  actor.ID,
		Detail: reason,
		Data:   map[string]any{"withdrawn": ids, "frontier": run.Frontier},
	})
	run.Status = model.RunCancelled
	run.Frontier = nil
	run.Awaiting = nil
	run.Scopes = nil
	run.HistoryLen = b.Len()
	run.UpdatedAt = now
	run.CompletedAt = &now

	if err := e.runs.Commit(ctx, run, b.Entries()); err != nil {
		return model.Run{}, err
	}
	run.Version++
	e.finished(ctx, run, prev)
	observability.RunLogger(ctx, e.logger, run).Info("run cancelled",
		zap.String("actor", actor.ID),
		zap.Int("withdrawn", len(ids)),
	)
	return run, nil
}

// Get returns a run and its open approval requests.
func (e *Engine) Get(ctx context.Context, tenantID, runID string) (RunView, error) {
	run, err := e.runs.Get(ctx, tenantID, runID)
	if err != nil {
		return RunView{}, err
	}
	pending, err := e.approvals.List(ctx, tenantID, model.ApprovalFilters{RunID: runID, Status: model.ApprovalPending})
	if err != nil {
		return RunView{}, err
	}
	return RunView{Run: run, PendingApprovals: pending}, nil
}

// List returns a page of a tenant's runs and the total number of matches.
func (e *Engine) List(ctx context.Context, tenantID string, filters model.RunFilters) ([]model.Run, int, error) {
	return e.runs.List(ctx, tenantID, filters)
}

// History returns the audit log of a run in sequence order.
func (e *Engine) History(ctx context.Context, tenantID, runID string) ([]model.HistoryEntry, error) {
	if _, err := e.runs.Get(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return e.runs.History(ctx, tenantID, runID)
}

// Approvals returns a tenant's approval requests.
func (e *Engine) Approvals(ctx context.Context, tenantID string, filters model.ApprovalFilters) ([]model.ApprovalRequest, error) {
	return e.approvals.List(ctx, tenantID, filters)
}

// Reconcile resumes active runs whose awaited approvals were resolved
// without the run advancing, e.g. after a crash between the decision write
// and the run commit, and advances runs left with runnable nodes. It returns
// the number of runs it advanced.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	runs, err := e.runs.FindActive(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, run := range runs {
		ok, err := e.reconcile(ctx, run.TenantID, run.ID)
		if isBusy(err) {
			continue
		}
		if err != nil {
			e.logger.Error("reconcile run failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if ok {
			advanced++
		}
	}
	return advanced, nil
}

func (e *Engine) reconcile(ctx context.Context, tenantID, runID string) (bool, error) {
	unlock, err := e.lock(ctx, runID)
	if err != nil {
		return false, err
	}
	defer unlock()

	run, err := e.runs.Get(ctx, tenantID, runID)
	if err != nil || run.Status.Terminal() {
		return false, err
	}
	g, err := e.definitions.Graph(ctx, tenantID, run.DefinitionID)
	if err != nil {
		return false, err
	}

	prev := run.Status
	now := e.now()
	s := e.stepper(g, &run, model.System(), now)
	resolved := 0
	for _, node := range append([]string(nil), run.Awaiting...) {
		latest, ok, err := e.approvals.Latest(ctx, run.ID, node)
		if err != nil {
			return false, err
		}
		if !ok || latest.Status == model.ApprovalPending || latest.Resolution == "" {
			continue
		}
		kind := model.HistoryApprovalDecided
		if latest.Status == model.ApprovalExpired {
			kind = model.HistoryApprovalExpired
		}
		if err := s.resolve(latest, kind, latest.DecidedBy); err != nil {
			return false, err
		}
		resolved++
	}
	if resolved == 0 && len(s.runnable()) == 0 {
		return false, nil
	}

	if err := s.advance(ctx); err != nil {
		return false, err
	}
	s.finish(now)
	if err := e.runs.Commit(ctx, run, s.hist.Entries()); err != nil {
		return false, err
	}
	run.Version++
	e.committed(ctx, run, s, prev)
	observability.RunLogger(ctx, e.logger, run).Info("run reconciled", zap.Int("resolved", resolved))
	return true, nil
}

// resume resolves an awaiting approval node and advances the run. Callers
// hold the run lock.
func (e *Engine) resume(ctx context.Context, run model.Run, req model.ApprovalRequest, kind model.HistoryKind, actor model.Actor) (model.Run, error) {
	if !run.IsAwaiting(req.NodeID) {
		return run, nil
	}
	g, err := e.definitions.Graph(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return model.Run{}, err
	}

	trace.SpanFromContext(ctx).SetAttributes(observability.RunAttributes(run)...)
	prev := run.Status
	now := e.now()
	s := e.stepper(g, &run, actor, now)
	if err := s.resolve(req, kind, actor.ID); err != nil {
		return model.Run{}, err
	}
	if err := s.advance(ctx); err != nil {
		return model.Run{}, fmt.Errorf("advance run %s: %w", run.ID, err)
	}
	s.finish(now)
	if err := e.runs.Commit(ctx, run, s.hist.Entries()); err != nil {
		e.logger.Error("approval resolved but run not advanced",
			zap.String("run_id", run.ID),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return model.Run{}, err
	}
	run.Version++
	e.committed(ctx, run, s, prev)
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrRunStatus.String(string(run.Status)))
	return run, nil
}

// annotate records an entry that does not move the frontier.
func (e *Engine) annotate(ctx context.Context, run model.Run, step history.Step) error {
	now := e.now()
	b := history.NewBuilder(run, now)
	b.Add(step)
	run.HistoryLen = b.Len()
	run.UpdatedAt = now
	return e.runs.Commit(ctx, run, b.Entries())
}

func (e *Engine) activeRun(ctx context.Context, tenantID, runID string) (model.Run, error) {
	run, err := e.runs.Get(ctx, tenantID, runID)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status.Terminal() {
		return model.Run{}, model.NewRunNotActiveError(runID, run.Status)
	}
	return run, nil
}

func (e *Engine) lock(ctx context.Context, runID string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, runID)
	if isBusy(err) {
		e.observer.LockContended()
	}
	return unlock, err
}

func (e *Engine) stepper(g *definition.Graph, run *model.Run, actor model.Actor, now time.Time) *stepper {
	runID := run.ID
	return &stepper{
		graph:       g,
		run:         run,
		actor:       actor,
		hist:        history.NewBuilder(*run, now),
		approvals:   e.approvals,
		actions:     e.actions,
		observer:    e.observer,
		logger:      e.logger,
		concurrency: e.concurrency,
		stop: func() bool {
			_, ok := e.cancelling.Load(runID)
			return ok
		},
	}
}

// committed runs the follow-ups of a successful commit.
func (e *Engine) committed(ctx context.Context, run model.Run, s *stepper, prev model.RunStatus) {
	for _, req := range s.opened {
		e.opened(req)
	}
	if run.Status == model.RunFailed && len(run.Awaiting) > 0 {
		if _, err := e.approvals.Withdraw(ctx, run.TenantID, run.ID, "run failed"); err != nil {
			e.logger.Error("withdraw approvals of failed run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	e.finished(ctx, run, prev)
	e.logger.Debug("run advanced",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Strings("frontier", run.Frontier),
		zap.Int("entries", len(s.hist.Entries())),
	)
}

func (e *Engine) finished(ctx context.Context, run model.Run, prev model.RunStatus) {
	if !run.Status.Terminal() || prev.Terminal() {
		return
	}
	e.observer.RunFinished(run.DefinitionKey, run.Status)
	if err := e.definitions.RecordOutcome(ctx, run.TenantID, run.DefinitionID, run.Status); err != nil {
		e.logger.Warn("record run outcome", zap.String("run_id", run.ID), zap.Error(err))
	}
	observability.RunLogger(ctx, e.logger, run).Info("run finished")
}

func (e *Engine) opened(req model.ApprovalRequest) {
	if e.onOpened != nil {
		e.onOpened(req)
	}
}

var _ history.Reader = (*Engine)(nil)
