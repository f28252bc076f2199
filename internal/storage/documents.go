package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentRepository handles document and blob persistence.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `doc_id, tenant_id, sha256, uri, mime, size_bytes, state,
	collected_at, normalized_at, extracted_at, pipeline_versions, meta`

func scanDocument(row interface{ Scan(...interface{}) error }) (*Document, error) {
	doc := &Document{}
	var versions, meta []byte
	err := row.Scan(
		&doc.DocID, &doc.TenantID, &doc.SHA256, &doc.URI, &doc.MIME, &doc.SizeBytes,
		&doc.State, &doc.CollectedAt, &doc.NormalizedAt, &doc.ExtractedAt, &versions, &meta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	scanJSONStringMap(versions, &doc.PipelineVersions)
	scanJSON(meta, &doc.Meta)
	return doc, nil
}

// Create inserts a new document row.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.DocID == "" {
		doc.DocID = uuid.NewString()
	}
	if doc.CollectedAt.IsZero() {
		doc.CollectedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO documents (doc_id, tenant_id, sha256, uri, mime, size_bytes, state,
			collected_at, pipeline_versions, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.DocID, doc.TenantID, doc.SHA256, doc.URI, doc.MIME, doc.SizeBytes,
		doc.State, doc.CollectedAt, jsonStringMapArg(doc.PipelineVersions), jsonArg(doc.Meta),
	)
	return err
}

// GetByID retrieves a document by ID.
func (r *DocumentRepository) GetByID(ctx context.Context, docID string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE doc_id = $1`
	return scanDocument(r.db.QueryRowContext(ctx, query, docID))
}

// GetBySHA256 retrieves a document by its tenant-scoped content hash.
func (r *DocumentRepository) GetBySHA256(ctx context.Context, tenantID, sha256 string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1 AND sha256 = $2`
	return scanDocument(r.db.QueryRowContext(ctx, query, tenantID, sha256))
}

// ListByTenant lists documents for a tenant, newest first, excluding soft-deleted ones.
func (r *DocumentRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE tenant_id = $1 AND state <> $2
		ORDER BY collected_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID, StateDeleted, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetState transitions a document to a new state, stamping the matching timestamp.
func (r *DocumentRepository) SetState(ctx context.Context, docID, state string) error {
	var stamp string
	switch state {
	case StateNormalized:
		stamp = ", normalized_at = now()"
	case StateExtracted:
		stamp = ", extracted_at = now()"
	}
	query := fmt.Sprintf(`UPDATE documents SET state = $1%s WHERE doc_id = $2`, stamp)
	res, err := r.db.ExecContext(ctx, query, state, docID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPipelineVersion records a stage's tool version on the document.
func (r *DocumentRepository) SetPipelineVersion(ctx context.Context, docID, stage, version string) error {
	query := `
		UPDATE documents
		SET pipeline_versions = pipeline_versions || jsonb_build_object($2::text, $3::text)
		WHERE doc_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, docID, stage, version)
	return err
}

// CountByState returns document counts per state for a tenant.
func (r *DocumentRepository) CountByState(ctx context.Context, tenantID string) (map[string]int, error) {
	query := `SELECT state, COUNT(*) FROM documents WHERE tenant_id = $1 GROUP BY state`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// UpsertBlob inserts or refreshes a content-addressed blob record.
func (r *DocumentRepository) UpsertBlob(ctx context.Context, blob *Blob) error {
	query := `
		INSERT INTO blobs (sha256, location, crc32)
		VALUES ($1, $2, $3)
		ON CONFLICT (sha256) DO UPDATE SET location = EXCLUDED.location, crc32 = EXCLUDED.crc32
	`
	_, err := r.db.ExecContext(ctx, query, blob.SHA256, blob.Location, blob.CRC32)
	return err
}

// GetBlob retrieves a blob by hash.
func (r *DocumentRepository) GetBlob(ctx context.Context, sha256 string) (*Blob, error) {
	blob := &Blob{}
	err := r.db.QueryRowContext(ctx,
		`SELECT sha256, location, crc32 FROM blobs WHERE sha256 = $1`, sha256,
	).Scan(&blob.SHA256, &blob.Location, &blob.CRC32)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return blob, err
}

// BlobRefCount counts non-deleted documents referencing a blob across tenants.
func (r *DocumentRepository) BlobRefCount(ctx context.Context, sha256 string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE sha256 = $1 AND state <> $2`, sha256, StateDeleted,
	).Scan(&n)
	return n, err
}

// UpsertNormalization inserts or replaces a document's normalization record.
func (r *DocumentRepository) UpsertNormalization(ctx context.Context, n *Normalization) error {
	query := `
		INSERT INTO normalizations (doc_id, canonical_uri, tool_name, tool_version,
			manifest_uri, page_count, ocr_pages, warnings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (doc_id) DO UPDATE SET
			canonical_uri = EXCLUDED.canonical_uri,
			tool_name = EXCLUDED.tool_name,
			tool_version = EXCLUDED.tool_version,
			manifest_uri = EXCLUDED.manifest_uri,
			page_count = EXCLUDED.page_count,
			ocr_pages = EXCLUDED.ocr_pages,
			warnings = EXCLUDED.warnings
	`
	_, err := r.db.ExecContext(ctx, query,
		n.DocID, n.CanonicalURI, n.ToolName, n.ToolVersion,
		n.ManifestURI, n.PageCount, n.OCRPages, jsonStringsArg(n.Warnings),
	)
	return err
}

// GetNormalization retrieves a document's normalization record.
func (r *DocumentRepository) GetNormalization(ctx context.Context, docID string) (*Normalization, error) {
	n := &Normalization{}
	var warnings []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT doc_id, canonical_uri, tool_name, tool_version, manifest_uri,
			page_count, ocr_pages, warnings, created_at
		FROM normalizations WHERE doc_id = $1
	`, docID).Scan(
		&n.DocID, &n.CanonicalURI, &n.ToolName, &n.ToolVersion, &n.ManifestURI,
		&n.PageCount, &n.OCRPages, &warnings, &n.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	scanJSONStrings(warnings, &n.Warnings)
	return n, nil
}
