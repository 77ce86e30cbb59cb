package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kobai/internal/model"
)

// Procurement records written by the draft converters. Every natural key is
// backed by a unique index so a racing duplicate insert surfaces as
// model.ErrConflict.

const supplierColumns = `id, tenant_id, name, email, phone, status, categories, created_at, updated_at`

func scanSupplier(row pgx.CollectableRow) (model.Supplier, error) {
	var s model.Supplier
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.Email, &s.Phone, &s.Status, &s.Categories, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// FindSupplier matches by case-insensitive name, or by email when given. The
// oldest match wins.
func (db *DB) FindSupplier(ctx context.Context, tenantID uuid.UUID, name, email string) (model.Supplier, error) {
	rows, _ := db.pool.Query(ctx,
		`SELECT `+supplierColumns+` FROM suppliers
		 WHERE tenant_id = $1
		   AND (($2 <> '' AND lower(name) = lower($2)) OR ($3 <> '' AND lower(email) = lower($3)))
		 ORDER BY created_at, id LIMIT 1`, tenantID, name, email)
	s, err := pgx.CollectExactlyOneRow(rows, scanSupplier)
	if err != nil {
		return model.Supplier{}, mapErr("find supplier", "supplier", name, err)
	}
	return s, nil
}

// GetSupplier returns a supplier by id.
func (db *DB) GetSupplier(ctx context.Context, tenantID, id uuid.UUID) (model.Supplier, error) {
	rows, _ := db.pool.Query(ctx,
		`SELECT `+supplierColumns+` FROM suppliers WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	s, err := pgx.CollectExactlyOneRow(rows, scanSupplier)
	if err != nil {
		return model.Supplier{}, mapErr("get supplier", "supplier", id, err)
	}
	return s, nil
}

// SaveSupplier inserts or updates a supplier. When replaceTasks is set the
// supplier's document tasks are replaced by tasks in the same transaction.
func (db *DB) SaveSupplier(ctx context.Context, sup model.Supplier, tasks []model.SupplierDocumentTask, replaceTasks bool) (model.Supplier, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Supplier{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	categories := sup.Categories
	if categories == nil {
		categories = []string{}
	}
	rows, _ := tx.Query(ctx,
		`INSERT INTO suppliers (id, tenant_id, name, email, phone, status, categories, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, email = EXCLUDED.email, phone = EXCLUDED.phone,
		     status = EXCLUDED.status, categories = EXCLUDED.categories, updated_at = now()
		 WHERE suppliers.tenant_id = EXCLUDED.tenant_id
		 RETURNING `+supplierColumns,
		sup.ID, sup.TenantID, sup.Name, sup.Email, sup.Phone, sup.Status, categories)
	saved, err := pgx.CollectExactlyOneRow(rows, scanSupplier)
	if err != nil {
		return model.Supplier{}, mapErr("save supplier", "supplier", sup.ID, err)
	}

	if replaceTasks {
		if _, err := tx.Exec(ctx,
			`DELETE FROM supplier_document_tasks WHERE supplier_id = $1 AND tenant_id = $2`, saved.ID, saved.TenantID,
		); err != nil {
			return model.Supplier{}, fmt.Errorf("storage: clear supplier tasks: %w", err)
		}
		batch := &pgx.Batch{}
		for _, t := range tasks {
			if t.ID == uuid.Nil {
				t.ID = uuid.New()
			}
			batch.Queue(
				`INSERT INTO supplier_document_tasks (id, tenant_id, supplier_id, document_type, due_at, notes, source_draft_id)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				t.ID, saved.TenantID, saved.ID, t.DocumentType, t.DueAt, t.Notes, t.SourceDraftID)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return model.Supplier{}, fmt.Errorf("storage: insert supplier tasks: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Supplier{}, fmt.Errorf("storage: commit supplier: %w", err)
	}
	return saved, nil
}

// ListSupplierDocumentTasks returns a supplier's outstanding document tasks.
func (db *DB) ListSupplierDocumentTasks(ctx context.Context, tenantID, supplierID uuid.UUID) ([]model.SupplierDocumentTask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, supplier_id, document_type, due_at, notes, source_draft_id, created_at
		 FROM supplier_document_tasks WHERE tenant_id = $1 AND supplier_id = $2
		 ORDER BY created_at, document_type`, tenantID, supplierID)
	if err != nil {
		return nil, fmt.Errorf("storage: list supplier tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SupplierDocumentTask, error) {
		var t model.SupplierDocumentTask
		err := row.Scan(&t.ID, &t.TenantID, &t.SupplierID, &t.DocumentType, &t.DueAt, &t.Notes, &t.SourceDraftID, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan supplier tasks: %w", err)
	}
	return tasks, nil
}

const itemSelect = `SELECT i.id, i.tenant_id, i.item_code, i.name, i.description, i.uom, i.category,
	i.unit_price::float8, i.created_at, i.updated_at,
	COALESCE((SELECT array_agg(p.supplier_id ORDER BY p.position)
	          FROM item_preferred_suppliers p WHERE p.item_id = i.id), '{}')
	FROM items i`

func scanItem(row pgx.CollectableRow) (model.Item, error) {
	var it model.Item
	err := row.Scan(&it.ID, &it.TenantID, &it.ItemCode, &it.Name, &it.Description, &it.UOM, &it.Category,
		&it.UnitPrice, &it.CreatedAt, &it.UpdatedAt, &it.PreferredSupplierIDs)
	return it, err
}

// GetItemByCode returns the item with the given code, compared
// case-insensitively.
func (db *DB) GetItemByCode(ctx context.Context, tenantID uuid.UUID, code string) (model.Item, error) {
	rows, _ := db.pool.Query(ctx,
		itemSelect+` WHERE i.tenant_id = $1 AND lower(i.item_code) = lower($2)`, tenantID, code)
	it, err := pgx.CollectExactlyOneRow(rows, scanItem)
	if err != nil {
		return model.Item{}, mapErr("get item", "item", code, err)
	}
	return it, nil
}

// SaveItem inserts or updates an item keyed by (tenant, item code) and
// replaces its preferred-supplier set with item.PreferredSupplierIDs.
func (db *DB) SaveItem(ctx context.Context, item model.Item) (model.Item, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Item{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO items (id, tenant_id, item_code, name, description, uom, category, unit_price)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, lower(item_code)) DO UPDATE
		 SET name = EXCLUDED.name, description = EXCLUDED.description, uom = EXCLUDED.uom,
		     category = EXCLUDED.category, unit_price = EXCLUDED.unit_price, updated_at = now()
		 RETURNING id`,
		item.ID, item.TenantID, item.ItemCode, item.Name, item.Description, item.UOM, item.Category, item.UnitPrice,
	).Scan(&id)
	if err != nil {
		return model.Item{}, mapErr("save item", "item", item.ItemCode, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM item_preferred_suppliers WHERE item_id = $1`, id); err != nil {
		return model.Item{}, fmt.Errorf("storage: clear preferred suppliers: %w", err)
	}
	if len(item.PreferredSupplierIDs) > 0 {
		copyRows := make([][]any, len(item.PreferredSupplierIDs))
		for i, sid := range item.PreferredSupplierIDs {
			copyRows[i] = []any{id, sid, i}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"item_preferred_suppliers"},
			[]string{"item_id", "supplier_id", "position"},
			pgx.CopyFromRows(copyRows),
		); err != nil {
			return model.Item{}, fmt.Errorf("storage: copy preferred suppliers: %w", err)
		}
	}

	rows, _ := tx.Query(ctx, itemSelect+` WHERE i.id = $1`, id)
	saved, err := pgx.CollectExactlyOneRow(rows, scanItem)
	if err != nil {
		return model.Item{}, fmt.Errorf("storage: reload item: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Item{}, fmt.Errorf("storage: commit item: %w", err)
	}
	return saved, nil
}

const rfqColumns = `id, tenant_id, title, status, due_at, source_draft_id, created_by, lines, created_at`

func scanRFQ(row pgx.CollectableRow) (model.RFQ, error) {
	var r model.RFQ
	err := row.Scan(&r.ID, &r.TenantID, &r.Title, &r.Status, &r.DueAt, &r.SourceDraftID, &r.CreatedBy, &r.Lines, &r.CreatedAt)
	return r, err
}

// FindRFQBySourceDraft returns the RFQ created from a draft.
func (db *DB) FindRFQBySourceDraft(ctx context.Context, tenantID, draftID uuid.UUID) (model.RFQ, error) {
	rows, _ := db.pool.Query(ctx,
		`SELECT `+rfqColumns+` FROM rfqs WHERE tenant_id = $1 AND source_draft_id = $2`, tenantID, draftID)
	r, err := pgx.CollectExactlyOneRow(rows, scanRFQ)
	if err != nil {
		return model.RFQ{}, mapErr("find rfq", "rfq for draft", draftID, err)
	}
	return r, nil
}

// GetRFQ returns an RFQ by id.
func (db *DB) GetRFQ(ctx context.Context, tenantID, id uuid.UUID) (model.RFQ, error) {
	rows, _ := db.pool.Query(ctx,
		`SELECT `+rfqColumns+` FROM rfqs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	r, err := pgx.CollectExactlyOneRow(rows, scanRFQ)
	if err != nil {
		return model.RFQ{}, mapErr("get rfq", "rfq", id, err)
	}
	return r, nil
}

// CreateRFQ inserts an RFQ with its lines.
func (db *DB) CreateRFQ(ctx context.Context, rfq model.RFQ) (model.RFQ, error) {
	if rfq.ID == uuid.Nil {
		rfq.ID = uuid.New()
	}
	rfq.CreatedAt = time.Now().UTC()
	lines := rfq.Lines
	if lines == nil {
		lines = []model.RFQLine{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO rfqs (`+rfqColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rfq.ID, rfq.TenantID, rfq.Title, rfq.Status, rfq.DueAt, rfq.SourceDraftID, rfq.CreatedBy, lines, rfq.CreatedAt)
	if err != nil {
		return model.RFQ{}, mapErr("create rfq", "rfq for draft", rfq.SourceDraftID, err)
	}
	return rfq, nil
}

const invoiceColumns = `id, tenant_id, supplier_id, invoice_number, currency, total::float8, status,
	due_date, paid_at, source_draft_id, lines, created_at`

func scanInvoice(row pgx.CollectableRow) (model.Invoice, error) {
	var inv model.Invoice
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.SupplierID, &inv.InvoiceNumber, &inv.Currency, &inv.Total,
		&inv.Status, &inv.DueDate, &inv.PaidAt, &inv.SourceDraftID, &inv.Lines, &inv.CreatedAt)
	return inv, err
}

// GetInvoice returns an invoice by id.
func (db *DB) GetInvoice(ctx context.Context, tenantID, id uuid.UUID) (model.Invoice, error) {
	rows, _ := db.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	inv, err := pgx.CollectExactlyOneRow(rows, scanInvoice)
	if err != nil {
		return model.Invoice{}, mapErr("get invoice", "invoice", id, err)
	}
	return inv, nil
}

// FindInvoiceBySupplierNumber looks an invoice up by its natural key.
func (db *DB) FindInvoiceBySupplierNumber(ctx context.Context, tenantID, supplierID uuid.UUID, number string) (model.Invoice, error) {
	rows, _ := db.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE tenant_id = $1 AND supplier_id = $2 AND invoice_number = $3`, tenantID, supplierID, number)
	inv, err := pgx.CollectExactlyOneRow(rows, scanInvoice)
	if err != nil {
		return model.Invoice{}, mapErr("find invoice", "invoice", number, err)
	}
	return inv, nil
}

// FindInvoicesByNumber returns every invoice with number across suppliers.
func (db *DB) FindInvoicesByNumber(ctx context.Context, tenantID uuid.UUID, number string) ([]model.Invoice, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 AND invoice_number = $2
		 ORDER BY created_at`, tenantID, number)
	if err != nil {
		return nil, fmt.Errorf("storage: find invoices: %w", err)
	}
	invoices, err := pgx.CollectRows(rows, scanInvoice)
	if err != nil {
		return nil, fmt.Errorf("storage: scan invoices: %w", err)
	}
	return invoices, nil
}

// CreateInvoice inserts an invoice with its lines.
func (db *DB) CreateInvoice(ctx context.Context, inv model.Invoice) (model.Invoice, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = model.InvoiceOpen
	}
	inv.CreatedAt = time.Now().UTC()
	lines := inv.Lines
	if lines == nil {
		lines = []model.InvoiceLine{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO invoices (id, tenant_id, supplier_id, invoice_number, currency, total, status,
		                       due_date, paid_at, source_draft_id, lines, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inv.ID, inv.TenantID, inv.SupplierID, inv.InvoiceNumber, inv.Currency, inv.Total, inv.Status,
		inv.DueDate, inv.PaidAt, inv.SourceDraftID, lines, inv.CreatedAt)
	if err != nil {
		return model.Invoice{}, mapErr("create invoice", "invoice", inv.InvoiceNumber, err)
	}
	return inv, nil
}

// FindPayment looks a payment up by its natural key.
func (db *DB) FindPayment(ctx context.Context, tenantID, invoiceID uuid.UUID, reference string) (model.Payment, error) {
	var p model.Payment
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, invoice_id, reference, amount::float8, method, paid_at, source_draft_id, created_at
		 FROM payments WHERE tenant_id = $1 AND invoice_id = $2 AND reference = $3`,
		tenantID, invoiceID, reference,
	).Scan(&p.ID, &p.TenantID, &p.InvoiceID, &p.Reference, &p.Amount, &p.Method, &p.PaidAt, &p.SourceDraftID, &p.CreatedAt)
	if err != nil {
		return model.Payment{}, mapErr("find payment", "payment", reference, err)
	}
	return p, nil
}

// RecordPayment inserts a payment and marks its invoice paid in one
// transaction.
func (db *DB) RecordPayment(ctx context.Context, p model.Payment) (model.Payment, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Payment{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockInvoice(ctx, tx, p.TenantID, p.InvoiceID); err != nil {
		return model.Payment{}, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO payments (id, tenant_id, invoice_id, reference, amount, method, paid_at, source_draft_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.TenantID, p.InvoiceID, p.Reference, p.Amount, p.Method, p.PaidAt, p.SourceDraftID, p.CreatedAt,
	); err != nil {
		return model.Payment{}, mapErr("record payment", "payment", p.Reference, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE invoices SET status = $1, paid_at = $2 WHERE id = $3 AND tenant_id = $4`,
		model.InvoicePaid, p.PaidAt, p.InvoiceID, p.TenantID,
	); err != nil {
		return model.Payment{}, fmt.Errorf("storage: mark invoice paid: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Payment{}, fmt.Errorf("storage: commit payment: %w", err)
	}
	return p, nil
}

// FindDisputeBySourceDraft returns the dispute created from a draft.
func (db *DB) FindDisputeBySourceDraft(ctx context.Context, tenantID, draftID uuid.UUID) (model.Dispute, error) {
	var d model.Dispute
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, invoice_id, reason, status, source_draft_id, created_by, created_at
		 FROM disputes WHERE tenant_id = $1 AND source_draft_id = $2`, tenantID, draftID,
	).Scan(&d.ID, &d.TenantID, &d.InvoiceID, &d.Reason, &d.Status, &d.SourceDraftID, &d.CreatedBy, &d.CreatedAt)
	if err != nil {
		return model.Dispute{}, mapErr("find dispute", "dispute for draft", draftID, err)
	}
	return d, nil
}

// CreateDispute inserts a dispute and marks its invoice disputed in one
// transaction.
func (db *DB) CreateDispute(ctx context.Context, d model.Dispute) (model.Dispute, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Dispute{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockInvoice(ctx, tx, d.TenantID, d.InvoiceID); err != nil {
		return model.Dispute{}, err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = "open"
	}
	d.CreatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO disputes (id, tenant_id, invoice_id, reason, status, source_draft_id, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.TenantID, d.InvoiceID, d.Reason, d.Status, d.SourceDraftID, d.CreatedBy, d.CreatedAt,
	); err != nil {
		return model.Dispute{}, mapErr("create dispute", "dispute for draft", d.SourceDraftID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE invoices SET status = $1 WHERE id = $2 AND tenant_id = $3`,
		model.InvoiceDisputed, d.InvoiceID, d.TenantID,
	); err != nil {
		return model.Dispute{}, fmt.Errorf("storage: mark invoice disputed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Dispute{}, fmt.Errorf("storage: commit dispute: %w", err)
	}
	return d, nil
}

func lockInvoice(ctx context.Context, tx pgx.Tx, tenantID, id uuid.UUID) error {
	var locked uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM invoices WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID).Scan(&locked)
	if err != nil {
		return mapErr("lock invoice", "invoice", id, err)
	}
	return nil
}
