// Package graph builds the per-document structural graph: a header tree with
// contains edges plus follows edges in reading order.
package graph

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/internal/storage"
)

const labelMaxLen = 160

// Build derives the graph for a document from its blocks in span order.
func Build(docID string, blocks []*storage.Block) ([]*storage.GraphNode, []*storage.GraphEdge) {
	root := &storage.GraphNode{
		NodeID: uuid.NewString(),
		DocID:  docID,
		Type:   "document",
		Label:  docID,
	}
	nodes := []*storage.GraphNode{root}
	var edges []*storage.GraphEdge

	// header stack entries parent everything beneath them
	type headerFrame struct {
		node  *storage.GraphNode
		level int
	}
	var stack []headerFrame

	var prev *storage.GraphNode
	for _, b := range blocks {
		node := nodeFor(docID, b)
		nodes = append(nodes, node)

		if b.Type == "header" {
			level := headerLevel(b)
			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			parent := root
			if len(stack) > 0 {
				parent = stack[len(stack)-1].node
			}
			edges = append(edges, containsEdge(docID, parent, node))
			stack = append(stack, headerFrame{node: node, level: level})
		} else {
			parent := root
			if len(stack) > 0 {
				parent = stack[len(stack)-1].node
			}
			edges = append(edges, containsEdge(docID, parent, node))
		}

		if prev != nil {
			edges = append(edges, &storage.GraphEdge{
				EdgeID:  uuid.NewString(),
				DocID:   docID,
				Src:     prev.NodeID,
				Dst:     node.NodeID,
				RelType: "follows",
				Weight:  1,
				Meta:    map[string]any{"source": "sequence"},
			})
		}
		prev = node
	}
	return nodes, edges
}

func nodeFor(docID string, b *storage.Block) *storage.GraphNode {
	label := b.Text
	if label == "" {
		label = b.Type + "@" + strconv.Itoa(b.Page)
	} else if len(label) > labelMaxLen {
		label = label[:labelMaxLen]
	}
	return &storage.GraphNode{
		NodeID: uuid.NewString(),
		DocID:  docID,
		Type:   b.Type,
		Label:  label,
		Meta: map[string]any{
			"page":            b.Page,
			"span":            []int{b.SpanStart, b.SpanEnd},
			"source_block_id": b.BlockID,
			"anchor":          blockAnchor(b),
			"headers":         b.Meta["headers"],
			"origin_type":     b.Type,
		},
	}
}

func containsEdge(docID string, parent, child *storage.GraphNode) *storage.GraphEdge {
	return &storage.GraphEdge{
		EdgeID:  uuid.NewString(),
		DocID:   docID,
		Src:     parent.NodeID,
		Dst:     child.NodeID,
		RelType: "contains",
		Weight:  1,
		Meta:    map[string]any{"source": "structure"},
	}
}

// headerLevel infers nesting depth from the recorded header path: a header
// under N ancestors sits at level N+1.
func headerLevel(b *storage.Block) int {
	if b.Meta == nil {
		return 1
	}
	switch v := b.Meta["headers"].(type) {
	case []string:
		return len(v) + 1
	case []any:
		return len(v) + 1
	}
	return 1
}

// blockAnchor is the canonical-HTML anchor id recorded at extraction time.
func blockAnchor(b *storage.Block) string {
	if b.Meta != nil {
		if s, ok := b.Meta["source_block_id"].(string); ok {
			return s
		}
	}
	return b.BlockID
}
