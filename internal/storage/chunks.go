package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ChunkRepository handles chunk plan and chunk persistence plus the
// keyword full-text leg.
type ChunkRepository struct {
	db *sql.DB
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// ReplacePlan replaces a document's chunk plan and chunks atomically.
// Prior plans for the document cascade-delete their chunks.
func (r *ChunkRepository) ReplacePlan(ctx context.Context, plan *ChunkPlan, chunks []*Chunk) error {
	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_plans WHERE doc_id = $1`, plan.DocID); err != nil {
			return fmt.Errorf("delete chunk plans: %w", err)
		}
		if plan.PlanID == "" {
			plan.PlanID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunk_plans (plan_id, doc_id, strategy, params, page_span, block_count)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, plan.PlanID, plan.DocID, plan.Strategy, jsonArg(plan.Params),
			pq.Array(plan.PageSpan), plan.BlockCount,
		); err != nil {
			return fmt.Errorf("insert chunk plan: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (chunk_id, plan_id, doc_id, span_start, span_end,
				page_start, page_end, text, meta, checksum)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			if c.ChunkID == "" {
				c.ChunkID = uuid.NewString()
			}
			c.PlanID = plan.PlanID
			c.DocID = plan.DocID
			if _, err := stmt.ExecContext(ctx,
				c.ChunkID, c.PlanID, c.DocID, c.SpanStart, c.SpanEnd,
				c.PageStart, c.PageEnd, c.Text, jsonArg(c.Meta), c.Checksum,
			); err != nil {
				return fmt.Errorf("insert chunk: %w", err)
			}
		}
		return nil
	})
}

// LatestPlan returns the most recent chunk plan for a document.
func (r *ChunkRepository) LatestPlan(ctx context.Context, docID string) (*ChunkPlan, error) {
	plan := &ChunkPlan{}
	var params []byte
	var pageSpan pq.Int64Array
	err := r.db.QueryRowContext(ctx, `
		SELECT plan_id, doc_id, strategy, params, page_span, block_count, created_at
		FROM chunk_plans WHERE doc_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, docID).Scan(&plan.PlanID, &plan.DocID, &plan.Strategy, &params, &pageSpan, &plan.BlockCount, &plan.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	scanJSON(params, &plan.Params)
	for _, p := range pageSpan {
		plan.PageSpan = append(plan.PageSpan, int(p))
	}
	return plan, nil
}

const chunkColumns = `chunk_id, plan_id, doc_id, span_start, span_end, page_start, page_end, text, meta, checksum`

func collectChunks(rows *sql.Rows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		c := &Chunk{}
		var meta []byte
		if err := rows.Scan(&c.ChunkID, &c.PlanID, &c.DocID, &c.SpanStart, &c.SpanEnd,
			&c.PageStart, &c.PageEnd, &c.Text, &meta, &c.Checksum); err != nil {
			return nil, err
		}
		scanJSON(meta, &c.Meta)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListByDoc returns a document's chunks in span order.
func (r *ChunkRepository) ListByDoc(ctx context.Context, docID string) ([]*Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks WHERE doc_id = $1
		ORDER BY page_start, span_start
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

// GetByIDs fetches chunks by ID, in no particular order.
func (r *ChunkRepository) GetByIDs(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

// ByBlockIDs finds chunks whose source_block_ids meta references any of the
// given block IDs.
func (r *ChunkRepository) ByBlockIDs(ctx context.Context, docID string, blockIDs []string) ([]*Chunk, error) {
	if len(blockIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT `+qualify(chunkColumns, "c")+`
		FROM chunks c, jsonb_array_elements_text(c.meta->'source_block_ids') AS sb(block_id)
		WHERE c.doc_id = $1 AND sb.block_id = ANY($2)
	`, docID, pq.Array(blockIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

// LongestChunks returns a tenant's longest chunks, optionally sorting table
// chunks ahead of prose. Used as the retrieval safety net.
func (r *ChunkRepository) LongestChunks(ctx context.Context, tenantID string, limit int, tablesFirst bool) ([]*Chunk, error) {
	if limit <= 0 {
		limit = 10
	}
	order := `length(c.text) DESC`
	if tablesFirst {
		order = `(CASE WHEN c.meta->'types' ? 'table' THEN 0 ELSE 1 END), ` + order
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+qualify(chunkColumns, "c")+`
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE d.tenant_id = $1 AND d.state <> '`+StateDeleted+`'
		ORDER BY `+order+`
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

func qualify(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// KeywordFilters narrows the keyword leg beyond the tenant scope.
type KeywordFilters struct {
	DocIDs       []string
	URILike      string
	FilenameLike string
	VendorLike   string
	Types        []string
}

// KeywordSearch runs Postgres full-text search over chunk text, tenant scoped,
// with ts_rank_cd scores min-max normalized to [0,1].
func (r *ChunkRepository) KeywordSearch(ctx context.Context, tenantID, query string, limit int, filters *KeywordFilters) ([]*KeywordHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + qualify(chunkColumns, "c") + `,
			ts_rank_cd(to_tsvector('english', c.text), websearch_to_tsquery('english', $1)) AS rank
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE d.tenant_id = $2 AND d.state <> '` + StateDeleted + `'
			AND to_tsvector('english', c.text) @@ websearch_to_tsquery('english', $1)
	`)
	args := []interface{}{query, tenantID}
	n := 3
	if filters != nil {
		if len(filters.DocIDs) > 0 {
			fmt.Fprintf(&sb, " AND c.doc_id = ANY($%d)", n)
			args = append(args, pq.Array(filters.DocIDs))
			n++
		}
		if filters.URILike != "" {
			fmt.Fprintf(&sb, " AND d.uri ILIKE $%d", n)
			args = append(args, "%"+filters.URILike+"%")
			n++
		}
		if filters.FilenameLike != "" {
			fmt.Fprintf(&sb, " AND d.meta->>'filename' ILIKE $%d", n)
			args = append(args, "%"+filters.FilenameLike+"%")
			n++
		}
		if filters.VendorLike != "" {
			fmt.Fprintf(&sb, ` AND EXISTS (
				SELECT 1 FROM invoices i WHERE i.invoice_id = c.doc_id AND i.vendor ILIKE $%d
			)`, n)
			args = append(args, "%"+filters.VendorLike+"%")
			n++
		}
		if len(filters.Types) > 0 {
			fmt.Fprintf(&sb, " AND c.meta->'types' ?| $%d", n)
			args = append(args, pq.Array(filters.Types))
			n++
		}
	}
	fmt.Fprintf(&sb, " ORDER BY rank DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []*KeywordHit
	for rows.Next() {
		c := Chunk{}
		var meta []byte
		var rank float64
		if err := rows.Scan(&c.ChunkID, &c.PlanID, &c.DocID, &c.SpanStart, &c.SpanEnd,
			&c.PageStart, &c.PageEnd, &c.Text, &meta, &c.Checksum, &rank); err != nil {
			return nil, err
		}
		scanJSON(meta, &c.Meta)
		hits = append(hits, &KeywordHit{Chunk: c, Score: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	normalizeHitScores(hits)
	return hits, nil
}

// ScanForFacts returns up to limit chunks of a tenant whose text matches all
// of the given ILIKE needles. Used by the fact-lookup fallback.
func (r *ChunkRepository) ScanForFacts(ctx context.Context, tenantID string, needles []string, limit int) ([]*Chunk, error) {
	if limit <= 0 {
		limit = 200
	}
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + qualify(chunkColumns, "c") + `
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE d.tenant_id = $1 AND d.state <> '` + StateDeleted + `'
	`)
	args := []interface{}{tenantID}
	for i, needle := range needles {
		fmt.Fprintf(&sb, " AND c.text ILIKE $%d", i+2)
		args = append(args, "%"+needle+"%")
	}
	fmt.Fprintf(&sb, " LIMIT $%d", len(needles)+2)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

func normalizeHitScores(hits []*KeywordHit) {
	if len(hits) == 0 {
		return
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	span := hi - lo
	for _, h := range hits {
		if span <= 0 {
			h.Score = 1.0
		} else {
			h.Score = (h.Score - lo) / span
		}
	}
}
