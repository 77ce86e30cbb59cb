package model

import (
	"slices"

	"github.com/google/uuid"
)

// Role is the coarse RBAC role carried in a user's token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleApprover Role = "approver"
	RoleBuyer    Role = "buyer"
	RoleViewer   Role = "viewer"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleApprover:
		return 3
	case RoleBuyer:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// Permission keys checked by the orchestration core.
const (
	PermDraftsCreate   = "ai.drafts.create"
	PermDraftsApprove  = "ai.drafts.approve"
	PermDraftsConvert  = "ai.drafts.convert"
	PermWorkflowsStart = "ai.workflows.start"
	PermEventsRead     = "ai.events.read"

	PermRFQApprove      = "rfqs.approve"
	PermSupplierApprove = "suppliers.approve"
	PermItemApprove     = "items.approve"
	PermInvoiceApprove  = "invoices.approve"
	PermPaymentApprove  = "payments.approve"
	PermDisputeApprove  = "disputes.approve"
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID      uuid.UUID `json:"user_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Email       string    `json:"email,omitempty"`
	Role        Role      `json:"role"`
	Permissions []string  `json:"permissions,omitempty"`
}

// HasExplicit reports whether key was granted to the actor directly.
func (a Actor) HasExplicit(key string) bool {
	return slices.Contains(a.Permissions, key)
}
