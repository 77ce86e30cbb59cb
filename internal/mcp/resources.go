package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kobai/internal/model"
)

const (
	templatesURI    = "kobai://workflow-templates"
	pendingURI      = "kobai://drafts/pending"
	draftURIPrefix  = "kobai://drafts/"
	pendingPageSize = 20
)

func (s *Server) registerResources() {
	// kobai://workflow-templates: the workflow types that can be started.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			templatesURI,
			"Workflow Templates",
			mcplib.WithResourceDescription("Workflow types with their ordered steps and approval permissions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTemplates,
	)

	// kobai://drafts/pending: drafts waiting for a human decision.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			pendingURI,
			"Pending Drafts",
			mcplib.WithResourceDescription("The caller's tenant's most recent pending drafts"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingDrafts,
	)

	// kobai://drafts/{id}: one draft.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			draftURIPrefix+"{id}",
			"Draft",
			mcplib.WithTemplateDescription("A single action draft by id"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleDraft,
	)
}

func (s *Server) handleTemplates(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(request.Params.URI, s.workflows.Templates())
}

func (s *Server) handlePendingDrafts(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	caller, err := actor(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.drafts.List(ctx, caller, model.DraftFilter{Status: model.DraftPending, Limit: pendingPageSize})
	if err != nil {
		return nil, fmt.Errorf("mcp: pending drafts: %w", err)
	}
	return jsonContents(request.Params.URI, out)
}

func (s *Server) handleDraft(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	caller, err := actor(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseDraftURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	d, err := s.drafts.Get(ctx, caller, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: draft %s: %w", id, err)
	}
	return jsonContents(request.Params.URI, d)
}

// parseDraftURI extracts the draft id from kobai://drafts/{id}.
func parseDraftURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, draftURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid draft URI %q", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid draft id %q", raw)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: encode %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
