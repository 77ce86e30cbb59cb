package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/model"
)

// defaultSummaryWindow is how far back /v1/events/summary looks without since.
const defaultSummaryWindow = 7 * 24 * time.Hour

// HandleResolveToolCalls handles POST /v1/tool-calls. A rejected batch is a
// 400; otherwise the response carries one result per call, in input order,
// even when some of them failed.
func (h *Handlers) HandleResolveToolCalls(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req model.ResolveToolCallsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	results, err := h.tools.Resolve(r.Context(), actor, model.ToolBatch{
		MessageID: req.MessageID,
		Round:     req.Round,
		Context:   req.Context,
		Calls:     req.ToolCalls,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"results": results})
}

// HandleListEvents handles GET /v1/events.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := authz.Require(r.Context(), h.checker, actor, model.PermEventsRead); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	since, err := queryTime(r, "since")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	events, err := h.events.List(r.Context(), actor.TenantID, model.EventFilter{
		Feature: q.Get("feature"),
		Kind:    model.EventKind(q.Get("kind")),
		Status:  model.EventStatus(q.Get("status")),
		Since:   since,
		Until:   until,
		Limit:   queryLimit(r, 100),
		Offset:  queryOffset(r),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleEventSummary handles GET /v1/events/summary?since=.
func (h *Handlers) HandleEventSummary(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := authz.Require(r.Context(), h.checker, actor, model.PermEventsRead); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	since := time.Now().Add(-defaultSummaryWindow)
	if t, err := queryTime(r, "since"); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	} else if t != nil {
		since = *t
	}

	summary, err := h.events.Summary(r.Context(), actor.TenantID, since)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"since": since.UTC(), "features": summary})
}
