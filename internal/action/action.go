// Package action performs the side effects of action nodes. Ticket and
// notification actions are published as intents to a Sink that the ticketing
// and notification systems consume; webhooks are called directly.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/model"
)

// Intent is the side effect an action node asks an external collaborator to
// perform. Text fields are already interpolated against the run context.
type Intent struct {
	Type       model.ActionType `json:"type"`
	TenantID   string           `json:"tenant_id"`
	RunID      string           `json:"run_id"`
	NodeID     string           `json:"node_id"`
	Actor      string           `json:"actor"`
	Channel    string           `json:"channel,omitempty"`
	Template   string           `json:"template,omitempty"`
	Recipients []string         `json:"recipients,omitempty"`
	Assignee   string           `json:"assignee,omitempty"`
	Fields     map[string]any   `json:"fields,omitempty"`
	Comment    string           `json:"comment,omitempty"`
	Visibility string           `json:"visibility,omitempty"`
	Context    map[string]any   `json:"context,omitempty"`
}

// Sink receives intents. Publish returns an error only when the intent was
// not accepted.
type Sink interface {
	Publish(ctx context.Context, intent Intent) error
}

// Request identifies one action dispatch.
type Request struct {
	TenantID string
	RunID    string
	NodeID   string
	Actor    model.Actor
	Config   model.ActionConfig
	Context  map[string]any
}

// Dispatcher executes action nodes with the node's retry policy.
type Dispatcher struct {
	sink    Sink
	webhook *WebhookCaller
	logger  *zap.Logger

	// Retry backoff; tests shrink it.
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewDispatcher creates a dispatcher. webhook may be nil when webhook
// actions are not used.
func NewDispatcher(sink Sink, webhook *WebhookCaller, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sink:            sink,
		webhook:         webhook,
		logger:          logger,
		initialInterval: 200 * time.Millisecond,
		maxInterval:     5 * time.Second,
	}
}

// SetBackoff overrides the retry intervals.
func (d *Dispatcher) SetBackoff(initial, maxInterval time.Duration) {
	d.initialInterval = initial
	d.maxInterval = maxInterval
}

// Dispatch performs the action, retrying up to RetryCount times. It never
// returns an error: failures are reported in the outcome so the engine can
// route them.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) model.ActionOutcome {
	attempts := 0
	var outcome model.ActionOutcome

	op := func() error {
		attempts++
		out, err := d.once(ctx, req)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	}

	err := backoff.RetryNotify(op, d.policy(ctx, req.Config.RetryCount), func(err error, wait time.Duration) {
		d.logger.Warn("action attempt failed, retrying",
			zap.String("run_id", req.RunID),
			zap.String("node_id", req.NodeID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		d.logger.Warn("action failed",
			zap.String("run_id", req.RunID),
			zap.String("node_id", req.NodeID),
			zap.String("action_type", string(req.Config.ActionType)),
			zap.Int("attempts", attempts),
			zap.Bool("critical", req.Config.Critical),
			zap.Error(err),
		)
		failed := model.Failed(err.Error())
		failed.Attempts = attempts
		return failed
	}

	outcome.Attempts = attempts
	d.logger.Debug("action completed",
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.String("action_type", string(req.Config.ActionType)),
		zap.Int("attempts", attempts),
	)
	return outcome
}

func (d *Dispatcher) policy(ctx context.Context, retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval
	b.MaxInterval = d.maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(retries, 0))), ctx)
}

// once performs a single attempt. Errors wrapped in backoff.Permanent are
// not retried.
func (d *Dispatcher) once(ctx context.Context, req Request) (model.ActionOutcome, error) {
	cfg := req.Config
	if cfg.ActionType == model.ActionWebhook {
		return d.callWebhook(ctx, req)
	}
	if !cfg.ActionType.Valid() {
		return model.ActionOutcome{}, backoff.Permanent(fmt.Errorf("unknown action type %q", cfg.ActionType))
	}

	intent := Intent{
		Type:       cfg.ActionType,
		TenantID:   req.TenantID,
		RunID:      req.RunID,
		NodeID:     req.NodeID,
		Actor:      req.Actor.ID,
		Channel:    cfg.Channel,
		Template:   cfg.Template,
		Recipients: interpolateAll(cfg.Recipients, req.Context),
		Assignee:   Interpolate(cfg.Assignee, req.Context),
		Fields:     interpolateMap(cfg.Fields, req.Context),
		Comment:    Interpolate(cfg.Comment, req.Context),
		Visibility: cfg.Visibility,
		Context:    req.Context,
	}
	if err := d.sink.Publish(ctx, intent); err != nil {
		return model.ActionOutcome{}, fmt.Errorf("publish %s intent: %w", cfg.ActionType, err)
	}
	return model.Succeeded(describe(intent)), nil
}

func (d *Dispatcher) callWebhook(ctx context.Context, req Request) (model.ActionOutcome, error) {
	if d.webhook == nil {
		return model.ActionOutcome{}, backoff.Permanent(errors.New("webhook actions are not configured"))
	}
	cfg := req.Config
	body := map[string]any{
		"tenant_id": req.TenantID,
		"run_id":    req.RunID,
		"node_id":   req.NodeID,
		"context":   req.Context,
	}
	if len(cfg.Payload) > 0 {
		body["payload"] = interpolateMap(cfg.Payload, req.Context)
	}
	resp, err := d.webhook.Call(ctx, cfg.Method, Interpolate(cfg.URL, req.Context), req.RunID, body)
	if err != nil {
		return model.ActionOutcome{}, err
	}
	out := model.Succeeded(fmt.Sprintf("webhook responded %d", resp.StatusCode))
	out.Output = map[string]any{"status": resp.StatusCode}
	if resp.Body != nil {
		out.Output["body"] = resp.Body
	}
	return out, nil
}

func describe(i Intent) string {
	switch i.Type {
	case model.ActionNotify:
		return fmt.Sprintf("%s notification %q queued for %s", i.Channel, i.Template, strings.Join(i.Recipients, ","))
	case model.ActionReassign:
		return "ticket reassigned to " + i.Assignee
	case model.ActionEscalate:
		if i.Assignee != "" {
			return "ticket escalated to " + i.Assignee
		}
		return "ticket escalated"
	case model.ActionUpdateField:
		return fmt.Sprintf("%d ticket field(s) updated", len(i.Fields))
	case model.ActionAddComment:
		return "comment added"
	}
	return string(i.Type)
}
