package server

import (
	"net/http"

	"github.com/ashita-ai/kobai/internal/model"
)

// HandlePlanAction handles POST /v1/actions/plan.
func (h *Handlers) HandlePlanAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req model.PlanActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	draft, err := h.drafts.Plan(r.Context(), actor, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, draft)
}

// HandleCreateDraft handles POST /v1/drafts.
func (h *Handlers) HandleCreateDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req model.CreateDraftRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	draft, err := h.drafts.Create(r.Context(), actor, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, draft)
}

// HandleGetDraft handles GET /v1/drafts/{id}.
func (h *Handlers) HandleGetDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	draft, err := h.drafts.Get(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, draft)
}

// HandleListDrafts handles GET /v1/drafts?status=&action_type=&limit=&offset=.
func (h *Handlers) HandleListDrafts(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	out, err := h.drafts.List(r.Context(), actor, model.DraftFilter{
		Status:     model.DraftStatus(q.Get("status")),
		ActionType: model.ActionType(q.Get("action_type")),
		Limit:      queryLimit(r, 50),
		Offset:     queryOffset(r),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleApproveDraft handles POST /v1/drafts/{id}/approve.
func (h *Handlers) HandleApproveDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	draft, err := h.drafts.Approve(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, draft)
}

// HandleRejectDraft handles POST /v1/drafts/{id}/reject.
func (h *Handlers) HandleRejectDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	var req model.RejectDraftRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	draft, err := h.drafts.Reject(r.Context(), actor, id, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, draft)
}

// HandleConvertDraft handles POST /v1/drafts/{id}/convert. A repeat convert
// returns 200 with already_converted set instead of 201.
func (h *Handlers) HandleConvertDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	res, err := h.drafts.Convert(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyConverted {
		status = http.StatusOK
	}
	writeJSON(w, r, status, res)
}
