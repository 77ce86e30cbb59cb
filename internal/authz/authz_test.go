package authz_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func actor(role model.Role, perms ...string) model.Actor {
	return model.Actor{UserID: uuid.New(), TenantID: uuid.New(), Role: role, Permissions: perms}
}

func TestRoleChecker(t *testing.T) {
	ctx := context.Background()
	c := authz.NewRoleChecker(nil)

	tests := []struct {
		name  string
		actor model.Actor
		key   string
		want  bool
	}{
		{"admin holds everything", actor(model.RoleAdmin), "anything.at.all", true},
		{"viewer holds nothing by default", actor(model.RoleViewer), model.PermDraftsCreate, false},
		{"viewer with explicit grant", actor(model.RoleViewer, model.PermDraftsCreate), model.PermDraftsCreate, true},
		{"buyer creates drafts", actor(model.RoleBuyer), model.PermDraftsCreate, true},
		{"buyer cannot approve", actor(model.RoleBuyer), model.PermDraftsApprove, false},
		{"buyer with explicit approve", actor(model.RoleBuyer, model.PermInvoiceApprove), model.PermInvoiceApprove, true},
		{"approver approves", actor(model.RoleApprover), model.PermDraftsApprove, true},
		{"approver holds entity approvals", actor(model.RoleApprover), model.PermPaymentApprove, true},
		{"unknown role holds nothing", actor("contractor"), model.PermDraftsCreate, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.HasPermission(ctx, tt.actor, tt.key))
		})
	}
}

func TestRoleCheckerCustomDefaults(t *testing.T) {
	c := authz.NewRoleChecker(map[model.Role][]string{model.RoleViewer: {model.PermEventsRead}})
	assert.True(t, c.HasPermission(context.Background(), actor(model.RoleViewer), model.PermEventsRead))
	assert.False(t, c.HasPermission(context.Background(), actor(model.RoleBuyer), model.PermDraftsCreate))
}

func TestRequire(t *testing.T) {
	ctx := context.Background()
	c := authz.NewRoleChecker(nil)
	a := actor(model.RoleBuyer, model.PermRFQApprove)

	assert.NoError(t, authz.Require(ctx, c, a))
	assert.NoError(t, authz.Require(ctx, c, a, model.PermDraftsCreate, model.PermRFQApprove))

	err := authz.Require(ctx, c, a, model.PermRFQApprove, model.PermPaymentApprove)
	assert.ErrorIs(t, err, model.ErrForbidden)
	assert.Contains(t, err.Error(), model.PermPaymentApprove)
}
