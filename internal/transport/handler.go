package transport

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/definition"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/workflow"
	"github.com/pitabwire/flowdesk/model"
)

// handlers serves the /workflow-engine routes.
type handlers struct {
	engine         *workflow.Engine
	definitions    *definition.Service
	idempotency    workflow.IdempotencyStore
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// runStatusResponse is returned by operations that move a run.
type runStatusResponse struct {
	RunID     string          `json:"runId"`
	RunStatus model.RunStatus `json:"runStatus"`
}

// listResponse wraps collection results.
type listResponse[T any] struct {
	Data     []T `json:"data"`
	Total    int `json:"total,omitempty"`
	Page     int `json:"page,omitempty"`
	PageSize int `json:"pageSize,omitempty"`
}

// requestContext returns the caller identity built by the middleware chain.
func requestContext(r *http.Request) (*model.RequestContext, error) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	return rctx, nil
}

// fail logs err at a level matching its severity and writes the envelope.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.RequestLogger(r.Context(), h.logger)
	if ee, ok := model.AsEnvelope(err); ok && ee.Code != model.ErrInternalError {
		logger.Debug("request rejected",
			zap.String("code", ee.Code),
			zap.String("message", ee.Message),
		)
	} else {
		logger.Error("request failed", zap.Error(err))
	}
	WriteError(w, err)
}
