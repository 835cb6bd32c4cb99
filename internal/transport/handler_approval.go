package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowdesk/model"
)

type decideRequest struct {
	Decision model.Decision `json:"decision"`
	ActorID  string         `json:"actorId"`
	Reason   string         `json:"reason"`
}

type delegateRequest struct {
	DelegateID string `json:"delegateId"`
	ActorID    string `json:"actorId"`
	Reason     string `json:"reason"`
}

// listApprovals returns approval requests matching the query filters.
// Without run_id or status only pending requests are listed.
func (h *handlers) listApprovals(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	filters := model.ApprovalFilters{
		RunID:      q.Get("run_id"),
		Status:     model.ApprovalStatus(q.Get("status")),
		ApproverID: q.Get("approver"),
		Role:       q.Get("role"),
	}
	if filters.RunID == "" && filters.Status == "" {
		filters.Status = model.ApprovalPending
	}

	reqs, err := h.engine.Approvals(r.Context(), rctx.TenantID, filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []model.ApprovalRequest{}
	}
	WriteJSON(w, http.StatusOK, listResponse[model.ApprovalRequest]{Data: reqs, Total: len(reqs)})
}

// decide records an approval decision and advances the run.
func (h *handlers) decide(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var body decideRequest
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if !body.Decision.Valid() {
		h.fail(w, r, model.NewBadRequestError("decision must be approved or rejected"))
		return
	}
	if body.ActorID != rctx.SubjectID {
		h.fail(w, r, model.NewForbiddenError("actorId does not match the authenticated subject"))
		return
	}

	run, err := h.engine.Decide(r.Context(), rctx.TenantID, chi.URLParam(r, "requestId"),
		body.Decision, rctx.Actor(), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, runStatusResponse{RunID: run.ID, RunStatus: run.Status})
}

// delegate hands a pending request to another approver.
func (h *handlers) delegate(w http.ResponseWriter, r *http.Request) {
	rctx, err := requestContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var body delegateRequest
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.DelegateID == "" {
		h.fail(w, r, model.NewBadRequestError("delegateId is required"))
		return
	}
	if body.ActorID != rctx.SubjectID {
		h.fail(w, r, model.NewForbiddenError("actorId does not match the authenticated subject"))
		return
	}

	next, err := h.engine.Delegate(r.Context(), rctx.TenantID, chi.URLParam(r, "requestId"),
		body.DelegateID, rctx.Actor(), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"request": next})
}
