package extract

import (
	"github.com/quarryhq/quarry/internal/parser"
	"github.com/quarryhq/quarry/internal/storage"
)

// runCheckers validates structural sanity of the extracted blocks and returns
// warning tags.
func runCheckers(blocks []*storage.Block, artifacts []parser.Artifact) []string {
	var warnings []string

	artifactTables := 0
	for _, a := range artifacts {
		if a.Type == parser.TypeTable {
			artifactTables++
		}
	}
	blockTables := 0
	var tableSpans [][2]int
	for _, b := range blocks {
		if b.Type == "table" {
			blockTables++
			tableSpans = append(tableSpans, [2]int{b.SpanStart, b.SpanEnd})
		}
	}
	if artifactTables != blockTables {
		warnings = append(warnings, "table_block_count_mismatch")
	}

overlap:
	for _, b := range blocks {
		if b.Type == "table" {
			continue
		}
		for _, span := range tableSpans {
			if b.SpanStart < span[1] && b.SpanEnd > span[0] {
				warnings = append(warnings, "table_span_overlap")
				break overlap
			}
		}
	}

	for i := 1; i < len(blocks); i++ {
		if blocks[i].SpanStart < blocks[i-1].SpanEnd {
			warnings = append(warnings, "span_regression")
			break
		}
	}

	return warnings
}
