package storage

import (
	"context"
	"database/sql"
)

// AdminRepository implements destructive maintenance operations.
type AdminRepository struct {
	db *sql.DB
}

// NewAdminRepository creates a new admin repository.
func NewAdminRepository(db *sql.DB) *AdminRepository {
	return &AdminRepository{db: db}
}

// TenantBlobRef pairs a document with its blob hash, used to clean external
// stores after a reset.
type TenantBlobRef struct {
	DocID  string
	SHA256 string
}

// ListTenantRefs returns every document/blob pair for a tenant.
func (r *AdminRepository) ListTenantRefs(ctx context.Context, tenantID string) ([]TenantBlobRef, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT doc_id, sha256 FROM documents WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []TenantBlobRef
	for rows.Next() {
		var ref TenantBlobRef
		if err := rows.Scan(&ref.DocID, &ref.SHA256); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ResetTenant deletes all of a tenant's rows. Documents cascade to blocks,
// chunks, plans, graph, and structured tables. Blobs referenced by other
// tenants survive. Returns the number of documents removed.
func (r *AdminRepository) ResetTenant(ctx context.Context, tenantID string) (int64, error) {
	var removed int64
	err := WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE tenant_id = $1`, tenantID)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE tenant_id = $1`, tenantID); err != nil {
			return err
		}
		// orphaned blobs: no remaining document references
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM blobs b
			WHERE NOT EXISTS (SELECT 1 FROM documents d WHERE d.sha256 = b.sha256)
		`); err != nil {
			return err
		}
		return nil
	})
	return removed, err
}
