package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// BlockRepository handles structural block persistence.
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository.
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// Replace deletes a document's blocks and bulk-inserts the new set atomically.
func (r *BlockRepository) Replace(ctx context.Context, docID string, blocks []*Block) error {
	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE doc_id = $1`, docID); err != nil {
			return fmt.Errorf("delete blocks: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO blocks (block_id, doc_id, page, span_start, span_end, type, text, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, b := range blocks {
			if b.BlockID == "" {
				b.BlockID = uuid.NewString()
			}
			b.DocID = docID
			if _, err := stmt.ExecContext(ctx,
				b.BlockID, b.DocID, b.Page, b.SpanStart, b.SpanEnd, b.Type, b.Text, jsonArg(b.Meta),
			); err != nil {
				return fmt.Errorf("insert block: %w", err)
			}
		}
		return nil
	})
}

// ListByDoc returns a document's blocks in reading order.
func (r *BlockRepository) ListByDoc(ctx context.Context, docID string) ([]*Block, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT block_id, doc_id, page, span_start, span_end, type, text, meta
		FROM blocks WHERE doc_id = $1
		ORDER BY page, span_start
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBlocks(rows)
}

// CountByDoc returns the number of blocks stored for a document.
func (r *BlockRepository) CountByDoc(ctx context.Context, docID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE doc_id = $1`, docID).Scan(&n)
	return n, err
}

func collectBlocks(rows *sql.Rows) ([]*Block, error) {
	var blocks []*Block
	for rows.Next() {
		b := &Block{}
		var meta []byte
		if err := rows.Scan(&b.BlockID, &b.DocID, &b.Page, &b.SpanStart, &b.SpanEnd, &b.Type, &b.Text, &meta); err != nil {
			return nil, err
		}
		scanJSON(meta, &b.Meta)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
