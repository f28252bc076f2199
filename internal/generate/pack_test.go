package generate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/retrieval"
	"github.com/quarryhq/quarry/internal/storage"
)

func ragHit(chunkID, docID, uri, text string, page int, score float64, types ...string) *retrieval.Hit {
	meta := map[string]any{}
	if len(types) > 0 {
		meta["types"] = types
	}
	return &retrieval.Hit{
		Chunk: &storage.Chunk{
			ChunkID: chunkID, DocID: docID, Text: text,
			PageStart: page, PageEnd: page, Meta: meta,
		},
		DocURI: uri,
		Score:  score,
	}
}

func TestPackContextFormatsSources(t *testing.T) {
	hits := []*retrieval.Hit{
		ragHit("c1", "d1", "report.pdf", "Revenue grew in the second quarter.", 1, 0.9),
	}
	p := packContext(hits, "what happened to revenue", false, 3500, 2)

	require.Len(t, p.Footnotes, 1)
	assert.Contains(t, p.Context, "Source ID: [^1]")
	assert.Contains(t, p.Context, "Document: report.pdf")
	assert.Contains(t, p.Context, "Page: p2")
	assert.Contains(t, p.Context, "Content:\nRevenue grew in the second quarter.")
	assert.Contains(t, p.Context, "---")
	assert.Equal(t, []string{"c1"}, p.UsedChunks)
	assert.Equal(t, 1, p.Footnotes[0].N)
	assert.Equal(t, "d1", p.Footnotes[0].DocID)
}

func TestPackContextRoundRobinsAcrossDocs(t *testing.T) {
	hits := []*retrieval.Hit{
		ragHit("a1", "d1", "a.pdf", "alpha one", 0, 0.9),
		ragHit("a2", "d1", "a.pdf", "alpha two", 5, 0.8),
		ragHit("b1", "d2", "b.pdf", "bravo one", 0, 0.7),
	}
	p := packContext(hits, "q", false, 3500, 0)

	require.Len(t, p.Footnotes, 3)
	assert.Equal(t, "d1", p.Footnotes[0].DocID)
	assert.Equal(t, "d2", p.Footnotes[1].DocID)
	assert.Equal(t, "d1", p.Footnotes[2].DocID)
}

func TestPackContextStitchesConsecutivePages(t *testing.T) {
	h1 := ragHit("c1", "d1", "a.pdf", "Page one text.", 0, 0.9)
	h2 := ragHit("c2", "d1", "a.pdf", "Page two text.", 1, 0.8)
	p := packContext([]*retrieval.Hit{h1, h2}, "q", false, 3500, 2)

	require.Len(t, p.Footnotes, 1)
	assert.Contains(t, p.Context, "Page one text.\n\nPage two text.")
	assert.Contains(t, p.Context, "Page: p1-2")
	assert.ElementsMatch(t, []string{"c1", "c2"}, p.UsedChunks)
}

func TestPackContextNoStitchAcrossDistantPages(t *testing.T) {
	h1 := ragHit("c1", "d1", "a.pdf", "Early text.", 0, 0.9)
	h2 := ragHit("c2", "d1", "a.pdf", "Late text.", 9, 0.8)
	p := packContext([]*retrieval.Hit{h1, h2}, "q", false, 3500, 2)
	assert.Len(t, p.Footnotes, 2)
}

func TestPackContextNumericPutsTablesFirst(t *testing.T) {
	hits := []*retrieval.Hit{
		ragHit("c1", "d1", "a.pdf", "Narrative paragraph.", 0, 0.9, "paragraph"),
		ragHit("c2", "d2", "b.pdf", "Item | Amount\nWidgets | 100.00", 0, 0.5, "table"),
	}
	p := packContext(hits, "total amount", true, 3500, 2)

	require.Len(t, p.Footnotes, 2)
	assert.Equal(t, "d2", p.Footnotes[0].DocID, "table should be packed first for numeric queries")
}

func TestPackContextRespectsBudget(t *testing.T) {
	long := strings.Repeat("filler words here ", 400)
	var hits []*retrieval.Hit
	hits = append(hits,
		ragHit("c1", "d1", "a.pdf", long, 0, 0.9),
		ragHit("c2", "d2", "b.pdf", long, 0, 0.8),
		ragHit("c3", "d3", "c.pdf", long, 0, 0.7),
	)
	p := packContext(hits, "q", false, 1200, 2)
	assert.Less(t, len(p.Footnotes), 3, "budget should cut packing short")
	assert.NotEmpty(t, p.Footnotes, "first block always fits")
}

func TestGroundedness(t *testing.T) {
	context := "The contract total is 500.00 payable within thirty days."
	high := groundedness("The total is 500.00 within thirty days.", context)
	low := groundedness("Completely unrelated words about 999.99 zebras.", context)
	assert.Greater(t, high, 0.8)
	assert.Less(t, low, 0.3)
}

func TestCitationMarkers(t *testing.T) {
	assert.Equal(t, []int{1, 3}, citationMarkers("Fact one [^1] and fact two [^3] and again [^1]."))
	assert.Empty(t, citationMarkers("no markers here"))
}

func TestContextNumericSum(t *testing.T) {
	sum, ok := contextNumericSum("Totals: 100.00 then 200.50 in the table")
	require.True(t, ok)
	assert.InDelta(t, 300.50, sum, 0.001)

	_, ok = contextNumericSum("only one 42.00 value")
	assert.False(t, ok)
}
