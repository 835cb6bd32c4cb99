package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowdesk/model"
)

// listRuns returns a page of the tenant's runs.
func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	page, err := queryInt(r, "page", 1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size", 20)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	filters := model.RunFilters{
		DefinitionKey: q.Get("definition_key"),
		Status:        model.RunStatus(q.Get("status")),
		Page:          page,
		PageSize:      pageSize,
	}

	runs, total, err := h.engine.List(r.Context(), rctx.TenantID, filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	WriteJSON(w, http.StatusOK, listResponse[model.Run]{
		Data:     runs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// getRun returns a run with its pending approval requests.
func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	view, err := h.engine.Get(r.Context(), rctx.TenantID, chi.URLParam(r, "runId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// runHistory returns the run's audit log in sequence order.
func (h *handlers) runHistory(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.engine.History(r.Context(), rctx.TenantID, chi.URLParam(r, "runId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	WriteJSON(w, http.StatusOK, listResponse[model.HistoryEntry]{Data: entries, Total: len(entries)})
}

// cancelRun cancels a run. Cancelling a finished run returns its status
// unchanged.
func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptionalJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	run, err := h.engine.Cancel(r.Context(), rctx.TenantID, chi.URLParam(r, "runId"), rctx.Actor(), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, runStatusResponse{RunID: run.ID, RunStatus: run.Status})
}
