package workflows

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kobai/internal/model"
)

// BuiltinTemplates are the workflow types available without a templates file.
func BuiltinTemplates() []model.WorkflowTemplate {
	return []model.WorkflowTemplate{
		{
			Type: "procure_to_pay",
			Name: "Procure to pay",
			Steps: []model.WorkflowStepTemplate{
				{ActionType: model.ActionRFQDraft, Name: "Issue RFQ", ApprovalPermissions: []string{model.PermRFQApprove}},
				{ActionType: model.ActionInvoiceDraft, Name: "Record invoice", ApprovalPermissions: []string{model.PermInvoiceApprove}},
				{ActionType: model.ActionInvoicePaymentDraft, Name: "Pay invoice", ApprovalPermissions: []string{model.PermPaymentApprove}},
			},
		},
		{
			Type: "supplier_onboarding",
			Name: "Supplier onboarding",
			Steps: []model.WorkflowStepTemplate{
				{ActionType: model.ActionSupplierOnboardingDraft, Name: "Onboard supplier", ApprovalPermissions: []string{model.PermSupplierApprove}},
				{ActionType: model.ActionItemDraft, Name: "Catalog items", ApprovalPermissions: []string{model.PermItemApprove}},
			},
		},
		{
			Type: "invoice_exception",
			Name: "Invoice exception",
			Steps: []model.WorkflowStepTemplate{
				{ActionType: model.ActionInvoiceDisputeDraft, Name: "Dispute invoice", ApprovalPermissions: []string{model.PermDisputeApprove, model.PermInvoiceApprove}},
			},
		},
	}
}

type templateFile struct {
	Workflows []model.WorkflowTemplate `yaml:"workflows"`
}

// LoadTemplates reads workflow templates from a YAML file of the form
//
//	workflows:
//	  - type: procure_to_pay
//	    name: Procure to pay
//	    steps:
//	      - action_type: rfq_draft
//	        name: Issue RFQ
//	        approval_permissions: [rfqs.approve]
//
// Unknown keys are rejected.
func LoadTemplates(path string) ([]model.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflows: read templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes the YAML accepted by LoadTemplates.
func ParseTemplates(data []byte) ([]model.WorkflowTemplate, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f templateFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("workflows: parse templates: %w", err)
	}
	if len(f.Workflows) == 0 {
		return nil, errors.New("workflows: templates file defines no workflows")
	}
	return f.Workflows, nil
}

// Catalog is an immutable, validated set of workflow templates.
type Catalog struct {
	byType map[string]model.WorkflowTemplate
	order  []string
}

// NewCatalog validates templates and indexes them by type.
func NewCatalog(templates []model.WorkflowTemplate) (*Catalog, error) {
	c := &Catalog{byType: make(map[string]model.WorkflowTemplate, len(templates))}
	var errs []error
	for i, t := range templates {
		if t.Type == "" {
			errs = append(errs, fmt.Errorf("workflow %d: type is required", i))
			continue
		}
		if _, dup := c.byType[t.Type]; dup {
			errs = append(errs, fmt.Errorf("workflow %q: duplicate type", t.Type))
			continue
		}
		if len(t.Steps) == 0 {
			errs = append(errs, fmt.Errorf("workflow %q: at least one step is required", t.Type))
			continue
		}
		for j, s := range t.Steps {
			if !s.ActionType.Valid() {
				errs = append(errs, fmt.Errorf("workflow %q step %d: unknown action type %q", t.Type, j, s.ActionType))
			}
			if s.Name == "" {
				errs = append(errs, fmt.Errorf("workflow %q step %d: name is required", t.Type, j))
			}
		}
		if t.Name == "" {
			t.Name = t.Type
		}
		c.byType[t.Type] = t
		c.order = append(c.order, t.Type)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("workflows: invalid templates: %w", err)
	}
	return c, nil
}

// Get returns the template for typ.
func (c *Catalog) Get(typ string) (model.WorkflowTemplate, bool) {
	t, ok := c.byType[typ]
	return t, ok
}

// List returns every template in definition order.
func (c *Catalog) List() []model.WorkflowTemplate {
	out := make([]model.WorkflowTemplate, 0, len(c.order))
	for _, typ := range c.order {
		t := c.byType[typ]
		t.Steps = slices.Clone(t.Steps)
		out = append(out, t)
	}
	return out
}
