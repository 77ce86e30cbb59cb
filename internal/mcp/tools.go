package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/service/converters"
	"github.com/ashita-ai/kobai/internal/service/tools"
)

func (s *Server) registerTools() error {
	for _, def := range tools.Definitions() {
		tool, err := toolFor(def)
		if err != nil {
			return err
		}
		s.mcpServer.AddTool(tool, s.callHandler(def.Name))
	}
	return nil
}

// toolFor builds the MCP declaration for def. Build tools publish their
// draft payload schema plus an optional summary; the dispute and status
// tools declare their arguments directly.
func toolFor(def tools.Definition) (mcplib.Tool, error) {
	switch def.Name {
	case model.ToolCreateDisputeDraft:
		return mcplib.NewTool(string(def.Name),
			mcplib.WithDescription(def.Description+`

The invoice can be named by invoice_id or invoice_number. When the chat is
already about an invoice, pass it in context instead.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("reason",
				mcplib.Description("Why the invoice is disputed"),
				mcplib.Required(),
			),
			mcplib.WithString("invoice_id", mcplib.Description("UUID of the disputed invoice")),
			mcplib.WithString("invoice_number", mcplib.Description("Supplier invoice number")),
			mcplib.WithString("summary", mcplib.Description("One-line summary shown to the approver")),
			mcplib.WithObject("context", mcplib.Description("Ambient chat context, e.g. {\"invoice_id\": \"...\"}")),
		), nil

	case model.ToolGetDraftStatus:
		return mcplib.NewTool(string(def.Name),
			mcplib.WithDescription(def.Description),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("draft_id",
				mcplib.Description("UUID of the draft"),
				mcplib.Required(),
			),
		), nil
	}

	schema, err := inputSchema(def.ActionType)
	if err != nil {
		return mcplib.Tool{}, err
	}
	return mcplib.NewToolWithRawSchema(string(def.Name), def.Description, schema), nil
}

// inputSchema is the action type's payload schema with a summary property.
func inputSchema(t model.ActionType) (json.RawMessage, error) {
	raw, err := converters.Schema(t)
	if err != nil {
		return nil, err
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("mcp: parse schema %s: %w", t, err)
	}
	delete(schema, "$schema")
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
		schema["properties"] = props
	}
	props["summary"] = map[string]any{
		"type":        "string",
		"description": "One-line summary shown to the approver",
	}
	out, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode schema %s: %w", t, err)
	}
	return out, nil
}

// callHandler resolves one MCP call as a single-call batch.
func (s *Server) callHandler(name model.ToolName) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		caller, err := actor(ctx)
		if err != nil {
			return errorResult("authentication required"), nil
		}

		args := request.GetArguments()
		batchCtx, _ := args["context"].(map[string]any)
		results, err := s.resolver.Resolve(ctx, caller, model.ToolBatch{
			MessageID: "mcp-" + uuid.NewString(),
			Round:     1,
			Context:   batchCtx,
			Calls: []model.ToolCall{{
				ToolName:  string(name),
				CallID:    "mcp",
				Arguments: args,
			}},
		})
		if err != nil {
			var ve *model.ValidationError
			if errors.As(err, &ve) {
				return errorResult(ve.Error()), nil
			}
			s.logger.Error("mcp: resolve failed", "tool", name, "error", err)
			return errorResult("internal error"), nil
		}

		res := results[0]
		if res.Status != model.ToolCallOK {
			data, _ := json.Marshal(res.Error)
			return errorResult(string(data)), nil
		}
		return jsonResult(res.Data), nil
	}
}
