package server

import (
	"net/http"
	"strconv"

	"github.com/ashita-ai/kobai/internal/model"
)

// HandleStartWorkflow handles POST /v1/workflows.
func (h *Handlers) HandleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req model.StartWorkflowRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.workflows.Start(r.Context(), actor, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleGetWorkflow handles GET /v1/workflows/{id}.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	run, err := h.workflows.Get(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleCompleteWorkflowStep handles POST /v1/workflows/{id}/steps/{index}/complete.
func (h *Handlers) HandleCompleteWorkflowStep(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeServiceError(w, r, h.logger, model.NewValidationError("step_index", "must be a non-negative integer"))
		return
	}
	var req model.CompleteStepRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.workflows.CompleteStep(r.Context(), actor, id, index, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListWorkflowTemplates handles GET /v1/workflow-templates.
func (h *Handlers) HandleListWorkflowTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.workflows.Templates())
}
