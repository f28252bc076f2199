package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; every statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		doc_id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		uri TEXT NOT NULL,
		mime TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		state TEXT NOT NULL,
		collected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		normalized_at TIMESTAMPTZ,
		extracted_at TIMESTAMPTZ,
		pipeline_versions JSONB NOT NULL DEFAULT '{}'::jsonb,
		meta JSONB NOT NULL DEFAULT '{}'::jsonb,
		UNIQUE (tenant_id, sha256)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_documents_tenant_state ON documents (tenant_id, state)`,

	`CREATE TABLE IF NOT EXISTS blobs (
		sha256 TEXT PRIMARY KEY,
		location TEXT NOT NULL,
		crc32 BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS normalizations (
		doc_id UUID PRIMARY KEY REFERENCES documents(doc_id) ON DELETE CASCADE,
		canonical_uri TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_version TEXT NOT NULL,
		manifest_uri TEXT NOT NULL DEFAULT '',
		page_count INT NOT NULL DEFAULT 0,
		ocr_pages INT NOT NULL DEFAULT 0,
		warnings JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS blocks (
		block_id UUID PRIMARY KEY,
		doc_id UUID NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		page INT NOT NULL DEFAULT 0,
		span_start INT NOT NULL DEFAULT 0,
		span_end INT NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS ix_blocks_doc ON blocks (doc_id, page)`,

	`CREATE TABLE IF NOT EXISTS chunk_plans (
		plan_id UUID PRIMARY KEY,
		doc_id UUID NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		strategy TEXT NOT NULL,
		params JSONB NOT NULL DEFAULT '{}'::jsonb,
		page_span INT[] NOT NULL DEFAULT '{}',
		block_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS chunks (
		chunk_id UUID PRIMARY KEY,
		plan_id UUID NOT NULL REFERENCES chunk_plans(plan_id) ON DELETE CASCADE,
		doc_id UUID NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		span_start INT NOT NULL DEFAULT 0,
		span_end INT NOT NULL DEFAULT 0,
		page_start INT NOT NULL DEFAULT 0,
		page_end INT NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		meta JSONB NOT NULL DEFAULT '{}'::jsonb,
		checksum TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS ix_chunks_doc ON chunks (doc_id)`,
	`CREATE INDEX IF NOT EXISTS ix_chunks_fts ON chunks USING GIN (to_tsvector('english', text))`,

	`CREATE TABLE IF NOT EXISTS kg_nodes (
		node_id UUID PRIMARY KEY,
		doc_id UUID NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS ix_kg_nodes_doc ON kg_nodes (doc_id)`,

	`CREATE TABLE IF NOT EXISTS kg_edges (
		edge_id UUID PRIMARY KEY,
		doc_id UUID NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		src UUID NOT NULL REFERENCES kg_nodes(node_id) ON DELETE CASCADE,
		dst UUID NOT NULL REFERENCES kg_nodes(node_id) ON DELETE CASCADE,
		rel_type TEXT NOT NULL,
		weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS ix_kg_edges_doc ON kg_edges (doc_id)`,

	`CREATE TABLE IF NOT EXISTS events (
		event_id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		doc_id UUID,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt INT NOT NULL DEFAULT 1,
		ts TIMESTAMPTZ NOT NULL DEFAULT now(),
		latency_ms DOUBLE PRECISION,
		cost_cents DOUBLE PRECISION,
		details_json JSONB NOT NULL DEFAULT '{}'::jsonb,
		trace_id TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS ix_events_doc ON events (doc_id, ts)`,
	`CREATE INDEX IF NOT EXISTS ix_events_stage ON events (stage, status, ts)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		job_id UUID PRIMARY KEY,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		progress NUMERIC(5,2) NOT NULL DEFAULT 0,
		result JSONB NOT NULL DEFAULT '{}'::jsonb,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_type_status ON jobs (job_type, status, created_at)`,

	`CREATE TABLE IF NOT EXISTS invoices (
		invoice_id UUID PRIMARY KEY REFERENCES documents(doc_id) ON DELETE CASCADE,
		vendor TEXT NOT NULL DEFAULT '',
		invoice_number TEXT NOT NULL DEFAULT '',
		invoice_date DATE,
		due_date DATE,
		total NUMERIC(14,2),
		currency TEXT NOT NULL DEFAULT '',
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS ix_invoices_number ON invoices (invoice_number)`,

	`CREATE TABLE IF NOT EXISTS invoice_line_items (
		id UUID PRIMARY KEY,
		invoice_id UUID NOT NULL REFERENCES invoices(invoice_id) ON DELETE CASCADE,
		description TEXT NOT NULL DEFAULT '',
		qty DOUBLE PRECISION,
		unit_price DOUBLE PRECISION,
		amount DOUBLE PRECISION,
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,

	`CREATE TABLE IF NOT EXISTS contracts (
		contract_id UUID PRIMARY KEY REFERENCES documents(doc_id) ON DELETE CASCADE,
		party_a TEXT NOT NULL DEFAULT '',
		party_b TEXT NOT NULL DEFAULT '',
		effective_date DATE,
		end_date DATE,
		renewal_date DATE,
		governing_law TEXT NOT NULL DEFAULT '',
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
}

// Migrate creates the schema. Safe to call on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
