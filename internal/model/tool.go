package model

// ToolName is the closed vocabulary of chat tools.
type ToolName string

const (
	ToolBuildRFQDraft                ToolName = "build_rfq_draft"
	ToolBuildSupplierOnboardingDraft ToolName = "build_supplier_onboarding_draft"
	ToolBuildItemDraft               ToolName = "build_item_draft"
	ToolBuildInvoiceDraft            ToolName = "build_invoice_draft"
	ToolCreateDisputeDraft           ToolName = "create_dispute_draft"
	ToolGetDraftStatus               ToolName = "get_draft_status"
)

// ToolCall is one tool invocation requested by the chat model.
type ToolCall struct {
	ToolName  string         `json:"tool_name"`
	CallID    string         `json:"call_id"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallStatus is the outcome of one ToolCall.
type ToolCallStatus string

const (
	ToolCallOK    ToolCallStatus = "ok"
	ToolCallError ToolCallStatus = "error"
)

// ToolError describes why a single call failed.
type ToolError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ToolCallResult is the per-call outcome, keyed by CallID.
type ToolCallResult struct {
	CallID   string         `json:"call_id"`
	ToolName string         `json:"tool_name"`
	Status   ToolCallStatus `json:"status"`
	Data     any            `json:"data,omitempty"`
	Error    *ToolError     `json:"error,omitempty"`
}

// ToolBatch is every tool call produced in one model round of one chat message.
// Context is the ambient message context (e.g. the invoice the chat is about).
type ToolBatch struct {
	MessageID string
	Round     int
	Context   map[string]any
	Calls     []ToolCall
}
