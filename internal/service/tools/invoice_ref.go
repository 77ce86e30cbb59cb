package tools

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kobai/internal/model"
)

// InvoiceRef identifies an invoice by id or by number. ID wins when both are
// set.
type InvoiceRef struct {
	ID     string
	Number string
}

func (r InvoiceRef) String() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Number
}

// FindInvoiceRef locates the invoice a dispute tool call refers to. Chat
// models put the reference in different places, so the lookup walks, in
// order: the call's own invoice_id and invoice_number, the batch context, the
// call's context argument, dispute_reference.invoice, and finally the call's
// reference argument.
func FindInvoiceRef(batchCtx, args map[string]any) (InvoiceRef, bool) {
	for _, c := range []map[string]any{args, batchCtx, asMap(args["context"])} {
		if ref, ok := refFrom(c); ok {
			return ref, true
		}
	}
	if inv := asMap(asMap(args["dispute_reference"])["invoice"]); inv != nil {
		if id := idStr(inv["id"]); id != "" {
			return InvoiceRef{ID: id}, true
		}
		if n := str(inv["number"]); n != "" {
			return InvoiceRef{Number: n}, true
		}
		if ref, ok := refFrom(inv); ok {
			return ref, true
		}
	}

	switch v := args["reference"].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return InvoiceRef{Number: s}, true
		}
	case map[string]any:
		return refFrom(v)
	}
	return InvoiceRef{}, false
}

// refFrom reads invoice_id, invoice_number or an invoice entity anchor.
func refFrom(m map[string]any) (InvoiceRef, bool) {
	if m == nil {
		return InvoiceRef{}, false
	}
	if id := idStr(m["invoice_id"]); id != "" {
		return InvoiceRef{ID: id}, true
	}
	if n := str(m["invoice_number"]); n != "" {
		return InvoiceRef{Number: n}, true
	}
	if str(m["entity_type"]) == model.EntityInvoice {
		if id := idStr(m["entity_id"]); id != "" {
			return InvoiceRef{ID: id}, true
		}
	}
	return InvoiceRef{}, false
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	}
	return ""
}

// idStr is str for id fields: other scalars such as 42 are kept, so they are
// reported as invalid ids rather than as missing ones.
func idStr(v any) string {
	switch t := v.(type) {
	case nil, string, fmt.Stringer, map[string]any, []any:
		return str(t)
	}
	return fmt.Sprint(v)
}
