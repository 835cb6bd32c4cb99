package transport

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/workflow"
	"github.com/pitabwire/flowdesk/model"
)

type triggerResponse struct {
	RunID    string           `json:"runId"`
	RunIDs   []string         `json:"runIds"`
	Failures []triggerFailure `json:"failures,omitempty"`
}

// triggerFailure names an entry point that matched the event but whose run
// was not started.
type triggerFailure struct {
	DefinitionID string `json:"definitionId"`
	TriggerNode  string `json:"triggerNode"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// trigger starts a run for every active definition handling the event.
// With an Idempotency-Key header a repeated request replays the first
// response instead of starting new runs.
func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req workflow.TriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	ctx := r.Context()
	logger := observability.RequestLogger(ctx, h.logger)

	var key, hash string
	if h.idempotency != nil {
		if raw := r.Header.Get("Idempotency-Key"); raw != "" {
			key = workflow.FormatIdempotencyKey(rctx.TenantID, raw)
			if hash, err = workflow.HashTrigger(req); err != nil {
				h.fail(w, r, err)
				return
			}
			cached, found, err := h.idempotency.Check(ctx, key, hash)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			if found {
				w.Header().Set("Idempotent-Replayed", "true")
				WriteJSON(w, http.StatusCreated, newTriggerResponse(cached.RunIDs))
				return
			}
		}
	}

	runs, err := h.engine.Trigger(ctx, rctx.TenantID, rctx.Actor(), req)
	var partial *workflow.TriggerError
	switch {
	case err == nil:
	case len(runs) > 0 && errors.As(err, &partial):
		logger.Error("trigger partially failed", zap.Error(err))
	default:
		h.fail(w, r, err)
		return
	}

	ids := make([]string, len(runs))
	for i, run := range runs {
		ids[i] = run.ID
	}
	logger.Debug("trigger accepted",
		zap.String("event_type", req.EventType),
		zap.Strings("run_ids", ids),
		zap.Any("context", observability.RedactContext(req.Context)),
	)

	if key != "" {
		if err := h.idempotency.Store(ctx, key, hash, workflow.TriggerResult{RunIDs: ids}, h.idempotencyTTL); err != nil {
			logger.Warn("idempotency record not stored", zap.Error(err))
		}
	}
	resp := newTriggerResponse(ids)
	if partial != nil {
		resp.Failures = triggerFailures(partial)
	}
	WriteJSON(w, http.StatusCreated, resp)
}

func triggerFailures(err *workflow.TriggerError) []triggerFailure {
	out := make([]triggerFailure, len(err.Failures))
	for i, f := range err.Failures {
		out[i] = triggerFailure{
			DefinitionID: f.DefinitionID,
			TriggerNode:  f.TriggerNode,
			Code:         model.ErrInternalError,
			Message:      "run could not be started",
		}
		if env, ok := model.AsEnvelope(f.Err); ok && env.Code != model.ErrInternalError {
			out[i].Code = env.Code
			out[i].Message = env.Message
		}
	}
	return out
}

func newTriggerResponse(ids []string) triggerResponse {
	resp := triggerResponse{RunIDs: ids}
	if len(ids) > 0 {
		resp.RunID = ids[0]
	}
	return resp
}
