package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// FindSupplier matches by case-insensitive name, or by email when given.
func (s *Store) FindSupplier(_ context.Context, tenantID uuid.UUID, name, email string) (model.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sup := range s.suppliers {
		if sup.TenantID != tenantID {
			continue
		}
		if name != "" && strings.EqualFold(sup.Name, name) {
			return sup, nil
		}
		if email != "" && strings.EqualFold(sup.Email, email) {
			return sup, nil
		}
	}
	return model.Supplier{}, notFound("supplier", name)
}

// GetSupplier returns a supplier by id.
func (s *Store) GetSupplier(_ context.Context, tenantID, id uuid.UUID) (model.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sup, ok := s.suppliers[id]
	if !ok || sup.TenantID != tenantID {
		return model.Supplier{}, notFound("supplier", id)
	}
	return sup, nil
}

// SaveSupplier inserts or updates a supplier. When replaceTasks is set the
// supplier's document tasks are replaced by tasks.
func (s *Store) SaveSupplier(_ context.Context, sup model.Supplier, tasks []model.SupplierDocumentTask, replaceTasks bool) (model.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.suppliers[sup.ID]; ok {
		sup.CreatedAt = existing.CreatedAt
	} else {
		sup.CreatedAt = now
	}
	sup.UpdatedAt = now
	s.suppliers[sup.ID] = sup

	if replaceTasks {
		replaced := make([]model.SupplierDocumentTask, len(tasks))
		for i, t := range tasks {
			t.SupplierID = sup.ID
			t.TenantID = sup.TenantID
			if t.ID == uuid.Nil {
				t.ID = uuid.New()
			}
			t.CreatedAt = now
			replaced[i] = t
		}
		s.supplierTasks[sup.ID] = replaced
	}
	return sup, nil
}

// ListSupplierDocumentTasks returns a supplier's outstanding document tasks.
func (s *Store) ListSupplierDocumentTasks(_ context.Context, tenantID, supplierID uuid.UUID) ([]model.SupplierDocumentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SupplierDocumentTask
	for _, t := range s.supplierTasks[supplierID] {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetItemByCode returns the item with the given code.
func (s *Store) GetItemByCode(_ context.Context, tenantID uuid.UUID, code string) (model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, it := range s.items {
		if it.TenantID == tenantID && strings.EqualFold(it.ItemCode, code) {
			it.PreferredSupplierIDs = slices.Clone(it.PreferredSupplierIDs)
			return it, nil
		}
	}
	return model.Item{}, notFound("item", code)
}

// SaveItem inserts or updates an item keyed by (tenant, item code). The
// preferred-supplier set is replaced by item.PreferredSupplierIDs.
func (s *Store) SaveItem(_ context.Context, item model.Item) (model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, it := range s.items {
		if it.TenantID == item.TenantID && strings.EqualFold(it.ItemCode, item.ItemCode) {
			item.ID = id
			item.CreatedAt = it.CreatedAt
			break
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.PreferredSupplierIDs = slices.Clone(item.PreferredSupplierIDs)
	s.items[item.ID] = item
	return item, nil
}

// FindRFQBySourceDraft returns the RFQ created from a draft.
func (s *Store) FindRFQBySourceDraft(_ context.Context, tenantID, draftID uuid.UUID) (model.RFQ, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rfqs {
		if r.TenantID == tenantID && r.SourceDraftID == draftID {
			return r, nil
		}
	}
	return model.RFQ{}, notFound("rfq for draft", draftID)
}

// GetRFQ returns an RFQ by id.
func (s *Store) GetRFQ(_ context.Context, tenantID, id uuid.UUID) (model.RFQ, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rfqs[id]
	if !ok || r.TenantID != tenantID {
		return model.RFQ{}, notFound("rfq", id)
	}
	return r, nil
}

// CreateRFQ inserts an RFQ and its lines.
func (s *Store) CreateRFQ(_ context.Context, rfq model.RFQ) (model.RFQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rfqs {
		if r.TenantID == rfq.TenantID && r.SourceDraftID == rfq.SourceDraftID {
			return model.RFQ{}, conflict("rfq for draft %s already exists", rfq.SourceDraftID)
		}
	}
	if rfq.ID == uuid.Nil {
		rfq.ID = uuid.New()
	}
	rfq.CreatedAt = time.Now().UTC()
	rfq.Lines = slices.Clone(rfq.Lines)
	s.rfqs[rfq.ID] = rfq
	return rfq, nil
}

// GetInvoice returns an invoice by id.
func (s *Store) GetInvoice(_ context.Context, tenantID, id uuid.UUID) (model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return model.Invoice{}, notFound("invoice", id)
	}
	return inv, nil
}

// FindInvoiceBySupplierNumber looks an invoice up by its natural key.
func (s *Store) FindInvoiceBySupplierNumber(_ context.Context, tenantID, supplierID uuid.UUID, number string) (model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invoices {
		if inv.TenantID == tenantID && inv.SupplierID == supplierID && inv.InvoiceNumber == number {
			return inv, nil
		}
	}
	return model.Invoice{}, notFound("invoice", number)
}

// FindInvoicesByNumber returns every invoice with number across suppliers.
func (s *Store) FindInvoicesByNumber(_ context.Context, tenantID uuid.UUID, number string) ([]model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Invoice
	for _, inv := range s.invoices {
		if inv.TenantID == tenantID && inv.InvoiceNumber == number {
			out = append(out, inv)
		}
	}
	return out, nil
}

// CreateInvoice inserts an invoice and its lines.
func (s *Store) CreateInvoice(_ context.Context, inv model.Invoice) (model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.invoices {
		if existing.TenantID == inv.TenantID && existing.SupplierID == inv.SupplierID && existing.InvoiceNumber == inv.InvoiceNumber {
			return model.Invoice{}, conflict("invoice %s already exists for supplier", inv.InvoiceNumber)
		}
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = model.InvoiceOpen
	}
	inv.CreatedAt = time.Now().UTC()
	inv.Lines = slices.Clone(inv.Lines)
	s.invoices[inv.ID] = inv
	return inv, nil
}

// FindPayment looks a payment up by its natural key.
func (s *Store) FindPayment(_ context.Context, tenantID, invoiceID uuid.UUID, reference string) (model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payments {
		if p.TenantID == tenantID && p.InvoiceID == invoiceID && p.Reference == reference {
			return p, nil
		}
	}
	return model.Payment{}, notFound("payment", reference)
}

// RecordPayment inserts a payment and marks its invoice paid in one step.
func (s *Store) RecordPayment(_ context.Context, p model.Payment) (model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[p.InvoiceID]
	if !ok || inv.TenantID != p.TenantID {
		return model.Payment{}, notFound("invoice", p.InvoiceID)
	}
	for _, existing := range s.payments {
		if existing.TenantID == p.TenantID && existing.InvoiceID == p.InvoiceID && existing.Reference == p.Reference {
			return model.Payment{}, conflict("payment %s already recorded", p.Reference)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	s.payments[p.ID] = p

	paidAt := p.PaidAt
	inv.Status = model.InvoicePaid
	inv.PaidAt = &paidAt
	s.invoices[inv.ID] = inv
	return p, nil
}

// FindDisputeBySourceDraft returns the dispute created from a draft.
func (s *Store) FindDisputeBySourceDraft(_ context.Context, tenantID, draftID uuid.UUID) (model.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.disputes {
		if d.TenantID == tenantID && d.SourceDraftID == draftID {
			return d, nil
		}
	}
	return model.Dispute{}, notFound("dispute for draft", draftID)
}

// CreateDispute inserts a dispute and marks its invoice disputed in one step.
func (s *Store) CreateDispute(_ context.Context, d model.Dispute) (model.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[d.InvoiceID]
	if !ok || inv.TenantID != d.TenantID {
		return model.Dispute{}, notFound("invoice", d.InvoiceID)
	}
	for _, existing := range s.disputes {
		if existing.TenantID == d.TenantID && existing.SourceDraftID == d.SourceDraftID {
			return model.Dispute{}, conflict("dispute for draft %s already exists", d.SourceDraftID)
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = "open"
	}
	d.CreatedAt = time.Now().UTC()
	s.disputes[d.ID] = d

	inv.Status = model.InvoiceDisputed
	s.invoices[inv.ID] = inv
	return d, nil
}
