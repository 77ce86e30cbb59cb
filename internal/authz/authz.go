// Package authz decides whether an actor holds a permission key.
//
// This package is shared by the service layer, the HTTP server and the MCP
// server so that every surface applies the same rules.
package authz

import (
	"context"
	"fmt"
	"slices"

	"github.com/ashita-ai/kobai/internal/model"
)

// Checker reports whether actor holds the permission key.
type Checker interface {
	HasPermission(ctx context.Context, actor model.Actor, key string) bool
}

// approverPerms are the entity-level approval keys workflow steps declare.
var approverPerms = []string{
	model.PermRFQApprove,
	model.PermSupplierApprove,
	model.PermItemApprove,
	model.PermInvoiceApprove,
	model.PermPaymentApprove,
	model.PermDisputeApprove,
}

// DefaultRolePermissions is the grant set each role carries without any
// explicit permissions. Admins are not listed: they hold every key.
func DefaultRolePermissions() map[model.Role][]string {
	buyer := []string{model.PermDraftsCreate, model.PermWorkflowsStart}
	approver := slices.Concat(buyer,
		[]string{model.PermDraftsApprove, model.PermDraftsConvert, model.PermEventsRead},
		approverPerms)
	return map[model.Role][]string{
		model.RoleViewer:   nil,
		model.RoleBuyer:    buyer,
		model.RoleApprover: approver,
	}
}

// RoleChecker grants admins everything and everyone else the union of their
// explicit permissions and their role's defaults.
type RoleChecker struct {
	defaults map[model.Role][]string
}

// NewRoleChecker creates a RoleChecker. A nil defaults map uses
// DefaultRolePermissions.
func NewRoleChecker(defaults map[model.Role][]string) *RoleChecker {
	if defaults == nil {
		defaults = DefaultRolePermissions()
	}
	return &RoleChecker{defaults: defaults}
}

// HasPermission implements Checker.
func (c *RoleChecker) HasPermission(_ context.Context, actor model.Actor, key string) bool {
	if model.RoleAtLeast(actor.Role, model.RoleAdmin) {
		return true
	}
	if actor.HasExplicit(key) {
		return true
	}
	return slices.Contains(c.defaults[actor.Role], key)
}

// Require returns an error wrapping model.ErrForbidden naming the first key
// actor lacks, or nil when actor holds all of them.
func Require(ctx context.Context, c Checker, actor model.Actor, keys ...string) error {
	for _, k := range keys {
		if !c.HasPermission(ctx, actor, k) {
			return fmt.Errorf("authz: missing permission %q: %w", k, model.ErrForbidden)
		}
	}
	return nil
}
