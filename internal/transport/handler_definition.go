package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowdesk/internal/definition"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/workflow"
	"github.com/pitabwire/flowdesk/model"
)

type testDefinitionRequest struct {
	Nodes     []model.Node              `json:"nodes"`
	Edges     []model.Edge              `json:"edges"`
	EventType string                    `json:"eventType"`
	Context   map[string]any            `json:"context"`
	Decisions map[string]model.Decision `json:"decisions"`
}

func (h *handlers) listDefinitions(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	defs, err := h.definitions.List(r.Context(), rctx.TenantID, definition.Filters{
		Key:      q.Get("key"),
		Category: q.Get("category"),
		Status:   model.DefinitionStatus(q.Get("status")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if defs == nil {
		defs = []model.WorkflowDefinition{}
	}
	WriteJSON(w, http.StatusOK, listResponse[model.WorkflowDefinition]{Data: defs, Total: len(defs)})
}

// publishDefinition stores a new version of a definition. The version is
// activated unless ?draft=true.
func (h *handlers) publishDefinition(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	draft, err := queryBool(r, "draft")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var def model.WorkflowDefinition
	if err := decodeJSON(r, &def); err != nil {
		h.fail(w, r, err)
		return
	}

	stored, err := h.definitions.Submit(r.Context(), rctx, def, !draft)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, stored)
}

func (h *handlers) getDefinition(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	def, err := h.definitions.Get(r.Context(), rctx.TenantID, chi.URLParam(r, "definitionId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

func (h *handlers) activateDefinition(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	def, err := h.definitions.Activate(r.Context(), rctx.TenantID, chi.URLParam(r, "definitionId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

func (h *handlers) archiveDefinition(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	def, err := h.definitions.Archive(r.Context(), rctx.TenantID, chi.URLParam(r, "definitionId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

// testDefinition dry-runs a draft graph without storing it or dispatching
// any action.
func (h *handlers) testDefinition(w http.ResponseWriter, r *http.Request) {
	var body testDefinitionRequest
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	report, err := workflow.DryRun(r.Context(), workflow.DryRunRequest{
		Definition: model.WorkflowDefinition{Key: "dry-run", Name: "dry run", Nodes: body.Nodes, Edges: body.Edges},
		EventType:  body.EventType,
		Context:    body.Context,
		Decisions:  body.Decisions,
	}, observability.RequestLogger(r.Context(), h.logger))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}
