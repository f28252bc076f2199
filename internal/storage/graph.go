package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// GraphRepository handles the per-document structural knowledge graph.
type GraphRepository struct {
	db *sql.DB
}

// NewGraphRepository creates a new graph repository.
func NewGraphRepository(db *sql.DB) *GraphRepository {
	return &GraphRepository{db: db}
}

// Replace atomically swaps a document's graph for the given nodes and edges.
func (r *GraphRepository) Replace(ctx context.Context, docID string, nodes []*GraphNode, edges []*GraphEdge) error {
	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kg_nodes WHERE doc_id = $1`, docID); err != nil {
			return fmt.Errorf("delete graph nodes: %w", err)
		}
		nodeStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO kg_nodes (node_id, doc_id, type, label, meta)
			VALUES ($1, $2, $3, $4, $5)
		`)
		if err != nil {
			return err
		}
		defer nodeStmt.Close()
		for _, node := range nodes {
			if node.NodeID == "" {
				node.NodeID = uuid.NewString()
			}
			node.DocID = docID
			if _, err := nodeStmt.ExecContext(ctx,
				node.NodeID, node.DocID, node.Type, node.Label, jsonArg(node.Meta),
			); err != nil {
				return fmt.Errorf("insert graph node: %w", err)
			}
		}

		edgeStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO kg_edges (edge_id, doc_id, src, dst, rel_type, weight, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`)
		if err != nil {
			return err
		}
		defer edgeStmt.Close()
		for _, edge := range edges {
			if edge.EdgeID == "" {
				edge.EdgeID = uuid.NewString()
			}
			edge.DocID = docID
			if _, err := edgeStmt.ExecContext(ctx,
				edge.EdgeID, edge.DocID, edge.Src, edge.Dst, edge.RelType, edge.Weight, jsonArg(edge.Meta),
			); err != nil {
				return fmt.Errorf("insert graph edge: %w", err)
			}
		}
		return nil
	})
}

// NodesByDoc returns all graph nodes of a document.
func (r *GraphRepository) NodesByDoc(ctx context.Context, docID string) ([]*GraphNode, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT node_id, doc_id, type, label, meta FROM kg_nodes WHERE doc_id = $1`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

// EdgesByDoc returns all graph edges of a document.
func (r *GraphRepository) EdgesByDoc(ctx context.Context, docID string) ([]*GraphEdge, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT edge_id, doc_id, src, dst, rel_type, weight, meta FROM kg_edges WHERE doc_id = $1`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*GraphEdge
	for rows.Next() {
		e := &GraphEdge{}
		var meta []byte
		if err := rows.Scan(&e.EdgeID, &e.DocID, &e.Src, &e.Dst, &e.RelType, &e.Weight, &meta); err != nil {
			return nil, err
		}
		scanJSON(meta, &e.Meta)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// NodesForBlocks maps source block IDs to their graph nodes.
func (r *GraphRepository) NodesForBlocks(ctx context.Context, docID string, blockIDs []string) ([]*GraphNode, error) {
	if len(blockIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_id, doc_id, type, label, meta
		FROM kg_nodes
		WHERE doc_id = $1 AND meta->>'source_block_id' = ANY($2)
	`, docID, pq.Array(blockIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

// Neighbors returns the structural neighborhood of a set of nodes: outbound
// targets, inbound sources, and siblings sharing a contains-parent.
func (r *GraphRepository) Neighbors(ctx context.Context, docID string, nodeIDs []string, limit int) ([]*GraphNode, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 32
	}
	rows, err := r.db.QueryContext(ctx, `
		WITH seed AS (SELECT unnest($2::uuid[]) AS node_id),
		related AS (
			SELECT e.dst AS node_id FROM kg_edges e JOIN seed s ON e.src = s.node_id WHERE e.doc_id = $1
			UNION
			SELECT e.src FROM kg_edges e JOIN seed s ON e.dst = s.node_id WHERE e.doc_id = $1
			UNION
			SELECT sib.dst FROM kg_edges par
			JOIN seed s ON par.dst = s.node_id AND par.rel_type = 'contains'
			JOIN kg_edges sib ON sib.src = par.src AND sib.rel_type = 'contains'
			WHERE par.doc_id = $1 AND sib.doc_id = $1
		)
		SELECT n.node_id, n.doc_id, n.type, n.label, n.meta
		FROM kg_nodes n
		JOIN related rel ON rel.node_id = n.node_id
		WHERE n.node_id NOT IN (SELECT node_id FROM seed)
		LIMIT $3
	`, docID, pq.Array(nodeIDs), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func collectNodes(rows *sql.Rows) ([]*GraphNode, error) {
	var nodes []*GraphNode
	for rows.Next() {
		n := &GraphNode{}
		var meta []byte
		if err := rows.Scan(&n.NodeID, &n.DocID, &n.Type, &n.Label, &meta); err != nil {
			return nil, err
		}
		scanJSON(meta, &n.Meta)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
