package chunk

import "github.com/quarryhq/quarry/internal/storage"

// Strategies.
const (
	StrategyTiny    = "tiny"
	StrategyLayout  = "layout"
	StrategySection = "section"
)

const (
	tinyDocChars        = 600
	layoutTableDensity  = 0.25
	layoutLargeTableRow = 3
)

// selectStrategy picks the chunking strategy for a document's blocks.
func selectStrategy(blocks []*storage.Block) string {
	total := 0
	tableChars := 0
	hasTable := false
	largeTable := false
	for _, b := range blocks {
		total += len(b.Text)
		if b.Type == "table" {
			hasTable = true
			tableChars += len(b.Text)
			if rows := metaInt(b.Meta, "rows"); rows >= layoutLargeTableRow {
				largeTable = true
			}
		}
	}
	if total < tinyDocChars {
		return StrategyTiny
	}
	if hasTable {
		return StrategyLayout
	}
	if total > 0 && float64(tableChars)/float64(total) >= layoutTableDensity {
		return StrategyLayout
	}
	if largeTable {
		return StrategyLayout
	}
	return StrategySection
}

func metaInt(meta map[string]any, key string) int {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func metaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
