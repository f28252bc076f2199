package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StructuredRepository persists invoices, line items, and contracts.
type StructuredRepository struct {
	db *sql.DB
}

// NewStructuredRepository creates a new structured-data repository.
func NewStructuredRepository(db *sql.DB) *StructuredRepository {
	return &StructuredRepository{db: db}
}

// UpsertInvoice inserts or replaces an invoice header and its line items.
func (r *StructuredRepository) UpsertInvoice(ctx context.Context, inv *Invoice, items []*InvoiceLineItem) error {
	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoices (invoice_id, vendor, invoice_number, invoice_date, due_date, total, currency, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (invoice_id) DO UPDATE SET
				vendor = EXCLUDED.vendor,
				invoice_number = EXCLUDED.invoice_number,
				invoice_date = EXCLUDED.invoice_date,
				due_date = EXCLUDED.due_date,
				total = EXCLUDED.total,
				currency = EXCLUDED.currency,
				meta = EXCLUDED.meta
		`, inv.InvoiceID, inv.Vendor, inv.InvoiceNumber, inv.InvoiceDate, inv.DueDate,
			inv.Total, inv.Currency, jsonArg(inv.Meta),
		); err != nil {
			return fmt.Errorf("upsert invoice: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM invoice_line_items WHERE invoice_id = $1`, inv.InvoiceID); err != nil {
			return fmt.Errorf("delete line items: %w", err)
		}
		for _, item := range items {
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			item.InvoiceID = inv.InvoiceID
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO invoice_line_items (id, invoice_id, description, qty, unit_price, amount, meta)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, item.ID, item.InvoiceID, item.Description, item.Qty, item.UnitPrice,
				item.Amount, jsonArg(item.Meta),
			); err != nil {
				return fmt.Errorf("insert line item: %w", err)
			}
		}
		return nil
	})
}

// GetInvoice retrieves an invoice header by document ID.
func (r *StructuredRepository) GetInvoice(ctx context.Context, docID string) (*Invoice, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT invoice_id, vendor, invoice_number, invoice_date, due_date, total, currency, meta
		FROM invoices WHERE invoice_id = $1
	`, docID)
	return scanInvoice(row)
}

// FindInvoiceByNumber looks up a tenant's invoice by its invoice number,
// case-insensitively.
func (r *StructuredRepository) FindInvoiceByNumber(ctx context.Context, tenantID, number string) (*Invoice, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT i.invoice_id, i.vendor, i.invoice_number, i.invoice_date, i.due_date, i.total, i.currency, i.meta
		FROM invoices i
		JOIN documents d ON d.doc_id = i.invoice_id
		WHERE d.tenant_id = $1 AND d.state <> $2 AND i.invoice_number ILIKE $3
		LIMIT 1
	`, tenantID, StateDeleted, number)
	return scanInvoice(row)
}

// InvoiceDocIDsByNumber returns the tenant's doc IDs whose invoice number
// matches, case-insensitively.
func (r *StructuredRepository) InvoiceDocIDsByNumber(ctx context.Context, tenantID, number string) ([]string, error) {
	return r.invoiceDocIDs(ctx, `
		SELECT i.invoice_id
		FROM invoices i
		JOIN documents d ON d.doc_id = i.invoice_id
		WHERE d.tenant_id = $1 AND d.state <> $2 AND i.invoice_number ILIKE $3
	`, tenantID, StateDeleted, number)
}

// InvoiceDocIDsByDateRange returns the tenant's doc IDs with an invoice date
// inside [start, end].
func (r *StructuredRepository) InvoiceDocIDsByDateRange(ctx context.Context, tenantID string, start, end time.Time) ([]string, error) {
	return r.invoiceDocIDs(ctx, `
		SELECT i.invoice_id
		FROM invoices i
		JOIN documents d ON d.doc_id = i.invoice_id
		WHERE d.tenant_id = $1 AND d.state <> $2
			AND i.invoice_date >= $3 AND i.invoice_date <= $4
	`, tenantID, StateDeleted, start, end)
}

func (r *StructuredRepository) invoiceDocIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListLineItems returns an invoice's line items.
func (r *StructuredRepository) ListLineItems(ctx context.Context, invoiceID string) ([]*InvoiceLineItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, invoice_id, description, qty, unit_price, amount, meta
		FROM invoice_line_items WHERE invoice_id = $1
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*InvoiceLineItem
	for rows.Next() {
		item := &InvoiceLineItem{}
		var meta []byte
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Description, &item.Qty,
			&item.UnitPrice, &item.Amount, &meta); err != nil {
			return nil, err
		}
		scanJSON(meta, &item.Meta)
		items = append(items, item)
	}
	return items, rows.Err()
}

// TotalSpend sums invoice totals for a tenant over a date range. Returns the
// sum and the number of invoices counted.
func (r *StructuredRepository) TotalSpend(ctx context.Context, tenantID string, start, end time.Time) (float64, int, error) {
	var total sql.NullFloat64
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(i.total), 0), COUNT(i.total)
		FROM invoices i
		JOIN documents d ON d.doc_id = i.invoice_id
		WHERE d.tenant_id = $1 AND d.state <> $2
			AND i.total IS NOT NULL
			AND i.invoice_date >= $3 AND i.invoice_date <= $4
	`, tenantID, StateDeleted, start, end).Scan(&total, &count)
	if err != nil {
		return 0, 0, err
	}
	return total.Float64, count, nil
}

// UpsertContract inserts or replaces a contract record.
func (r *StructuredRepository) UpsertContract(ctx context.Context, c *Contract) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contracts (contract_id, party_a, party_b, effective_date, end_date, renewal_date, governing_law, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (contract_id) DO UPDATE SET
			party_a = EXCLUDED.party_a,
			party_b = EXCLUDED.party_b,
			effective_date = EXCLUDED.effective_date,
			end_date = EXCLUDED.end_date,
			renewal_date = EXCLUDED.renewal_date,
			governing_law = EXCLUDED.governing_law,
			meta = EXCLUDED.meta
	`, c.ContractID, c.PartyA, c.PartyB, c.EffectiveDate, c.EndDate, c.RenewalDate,
		c.GoverningLaw, jsonArg(c.Meta))
	return err
}

// GetContract retrieves a contract by document ID.
func (r *StructuredRepository) GetContract(ctx context.Context, docID string) (*Contract, error) {
	c := &Contract{}
	var meta []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT contract_id, party_a, party_b, effective_date, end_date, renewal_date, governing_law, meta
		FROM contracts WHERE contract_id = $1
	`, docID).Scan(&c.ContractID, &c.PartyA, &c.PartyB, &c.EffectiveDate, &c.EndDate,
		&c.RenewalDate, &c.GoverningLaw, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	scanJSON(meta, &c.Meta)
	return c, nil
}

func scanInvoice(row *sql.Row) (*Invoice, error) {
	inv := &Invoice{}
	var meta []byte
	err := row.Scan(&inv.InvoiceID, &inv.Vendor, &inv.InvoiceNumber, &inv.InvoiceDate,
		&inv.DueDate, &inv.Total, &inv.Currency, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	scanJSON(meta, &inv.Meta)
	return inv, nil
}
