package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the lifecycle state of a WorkflowRun.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowAbandoned WorkflowStatus = "abandoned"
)

// WorkflowStepTemplate declares one step of a workflow type.
type WorkflowStepTemplate struct {
	ActionType          ActionType `json:"action_type" yaml:"action_type"`
	Name                string     `json:"name" yaml:"name"`
	ApprovalPermissions []string   `json:"approval_permissions" yaml:"approval_permissions"`
}

// WorkflowTemplate is an ordered list of steps.
type WorkflowTemplate struct {
	Type  string                 `json:"type" yaml:"type"`
	Name  string                 `json:"name" yaml:"name"`
	Steps []WorkflowStepTemplate `json:"steps" yaml:"steps"`
}

// WorkflowStep is the per-step record on a run.
type WorkflowStep struct {
	Index           int            `json:"index"`
	ActionType      ActionType     `json:"action_type"`
	Name            string         `json:"name"`
	Permissions     []string       `json:"approval_permissions"`
	Approved        *bool          `json:"approved,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	CompletedBy     *uuid.UUID     `json:"completed_by,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DraftID         *uuid.UUID     `json:"draft_id,omitempty"`
	Entity          *EntityRef     `json:"entity,omitempty"`
	ConversionError string         `json:"conversion_error,omitempty"`
}

// WorkflowRun is one execution of a workflow template.
// CurrentStep only ever increases.
type WorkflowRun struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	UserID       uuid.UUID      `json:"user_id"`
	WorkflowType string         `json:"workflow_type"`
	Entity       *EntityRef     `json:"entity,omitempty"`
	Goal         string         `json:"goal"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	UserContext  map[string]any `json:"user_context,omitempty"`
	CurrentStep  int            `json:"current_step"`
	Status       WorkflowStatus `json:"status"`
	Steps        []WorkflowStep `json:"steps"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
