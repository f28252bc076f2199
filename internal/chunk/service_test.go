package chunk

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/storage"
)

type fakeDocs struct {
	doc   *storage.Document
	state string
}

func (f *fakeDocs) GetByID(_ context.Context, docID string) (*storage.Document, error) {
	if f.doc == nil || f.doc.DocID != docID {
		return nil, storage.ErrNotFound
	}
	return f.doc, nil
}

func (f *fakeDocs) SetState(_ context.Context, _, state string) error {
	f.state = state
	return nil
}

func (f *fakeDocs) SetPipelineVersion(context.Context, string, string, string) error { return nil }

type fakeBlocks struct{ blocks []*storage.Block }

func (f *fakeBlocks) ListByDoc(context.Context, string) ([]*storage.Block, error) {
	return f.blocks, nil
}

type fakeChunks struct {
	plan   *storage.ChunkPlan
	chunks []*storage.Chunk
}

func (f *fakeChunks) ReplacePlan(_ context.Context, plan *storage.ChunkPlan, chunks []*storage.Chunk) error {
	f.plan = plan
	f.chunks = chunks
	return nil
}

type fakeEvents struct{ events []*storage.Event }

func (f *fakeEvents) Append(_ context.Context, e *storage.Event) error {
	f.events = append(f.events, e)
	return nil
}

func block(id, typ, text string, page, start int, meta map[string]any) *storage.Block {
	return &storage.Block{
		BlockID: id, DocID: "doc-1", Type: typ, Text: text,
		Page: page, SpanStart: start, SpanEnd: start + len(text), Meta: meta,
	}
}

func newTestService(blocks []*storage.Block, cfg config.ChunkingConfig) (*Service, *fakeDocs, *fakeChunks) {
	docs := &fakeDocs{doc: &storage.Document{DocID: "doc-1", TenantID: "t1", URI: "report.pdf", State: storage.StateExtracted}}
	store := &fakeChunks{}
	svc := NewService(docs, &fakeBlocks{blocks: blocks}, store, &fakeEvents{}, cfg, nil, nil)
	return svc, docs, store
}

func TestRunTinyStrategy(t *testing.T) {
	blocks := []*storage.Block{
		block("b1", "header", "Title", 0, 0, nil),
		block("b2", "paragraph", "Short body.", 0, 10, map[string]any{"headers": []string{"Title"}}),
	}
	svc, docs, store := newTestService(blocks, config.ChunkingConfig{TargetTokens: 800})

	plan, chunks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)

	assert.Equal(t, StrategyTiny, plan.Strategy)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "Title")
	assert.Contains(t, chunks[0].Text, "Short body.")
	assert.Equal(t, storage.StateChunked, docs.state)
	assert.Equal(t, plan, store.plan)
	// filename prepended as root context
	assert.Equal(t, "report.pdf", metaStrings(chunks[0].Meta, "context_headers")[0])
}

func TestRunLayoutStrategyTablesGetOwnChunks(t *testing.T) {
	long := strings.Repeat("Narrative sentence with some words. ", 30)
	blocks := []*storage.Block{
		block("b1", "paragraph", long, 0, 0, nil),
		block("b2", "table", "Item | Amount\nWidgets | 100\nGadgets | 200", 1, 2000,
			map[string]any{"rows": 3, "cols": 2, "html": "<table></table>", "headers": []string{"Invoices"}}),
	}
	svc, _, _ := newTestService(blocks, config.ChunkingConfig{TargetTokens: 800})

	plan, chunks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StrategyLayout, plan.Strategy)

	var table *storage.Chunk
	for _, c := range chunks {
		if isTable(c) {
			table = c
		}
	}
	require.NotNil(t, table)
	assert.Equal(t, 3, table.Meta["table_rows"])
	assert.Equal(t, 2, table.Meta["table_cols"])
	assert.Contains(t, table.Text, "Widgets | 100")
	assert.Equal(t, []string{"b2"}, metaStrings(table.Meta, "source_block_ids"))
}

func TestRunSectionPackingRespectsTarget(t *testing.T) {
	var blocks []*storage.Block
	cursor := 0
	for i := 0; i < 12; i++ {
		text := strings.Repeat(fmt.Sprintf("Paragraph %d sentence. ", i), 20)
		blocks = append(blocks, block(fmt.Sprintf("b%d", i), "paragraph", text, i/4, cursor,
			map[string]any{"headers": []string{"Section"}}))
		cursor += len(text) + 2
	}
	svc, _, _ := newTestService(blocks, config.ChunkingConfig{TargetTokens: 200, OverlapTokens: 20})

	plan, chunks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StrategySection, plan.Strategy)
	assert.Greater(t, len(chunks), 1)

	for _, c := range chunks {
		tokens := TokenCount(c.Text)
		assert.LessOrEqual(t, tokens, 300, "chunk should stay near the target")
		assert.Equal(t, StrategySection, c.Meta["strategy"])
		assert.NotEmpty(t, c.Checksum)
		assert.Equal(t, TokenCount(c.Text), c.Meta["tokens"])
	}

	// spans are monotonically ordered chunk to chunk
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i].SpanStart, chunks[i-1].SpanStart)
	}
}

func TestRunOrphanMerge(t *testing.T) {
	big := strings.Repeat("Body sentence here. ", 40) // exactly the target
	tiny := "Tail."
	blocks := []*storage.Block{
		block("b1", "paragraph", big, 0, 0, nil),
		block("b2", "paragraph", tiny, 0, len(big)+2, nil),
	}
	svc, _, _ := newTestService(blocks, config.ChunkingConfig{TargetTokens: 200})

	_, chunks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "Tail.")
}

func TestRunListsBecomeBullets(t *testing.T) {
	long := strings.Repeat("Filler prose to get past the tiny threshold. ", 20)
	blocks := []*storage.Block{
		block("b1", "paragraph", long, 0, 0, nil),
		block("b2", "list", "first item\nsecond item", 0, 1000, nil),
	}
	svc, _, _ := newTestService(blocks, config.ChunkingConfig{TargetTokens: 800})

	_, chunks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	joined := ""
	for _, c := range chunks {
		joined += c.Text
	}
	assert.Contains(t, joined, "• first item")
	assert.Contains(t, joined, "• second item")
}

func TestRunCapsChunkCount(t *testing.T) {
	var blocks []*storage.Block
	for i := 0; i < 30; i++ {
		text := strings.Repeat(fmt.Sprintf("Long paragraph %d content. ", i), 40)
		blocks = append(blocks, block(fmt.Sprintf("b%d", i), "paragraph", text, 0, i*2000, nil))
	}
	svc, _, _ := newTestService(blocks, config.ChunkingConfig{TargetTokens: 100, MaxChunksPerDoc: 5})

	_, chunks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Len(t, chunks, 5)
}

func TestSelectStrategy(t *testing.T) {
	long := strings.Repeat("x", 700)
	assert.Equal(t, StrategyTiny, selectStrategy([]*storage.Block{block("b", "paragraph", "short", 0, 0, nil)}))
	assert.Equal(t, StrategySection, selectStrategy([]*storage.Block{block("b", "paragraph", long, 0, 0, nil)}))
	assert.Equal(t, StrategyLayout, selectStrategy([]*storage.Block{
		block("b", "paragraph", long, 0, 0, nil),
		block("t", "table", "a | b", 0, 800, map[string]any{"rows": 2}),
	}))
}

func TestTokenHelpers(t *testing.T) {
	assert.Equal(t, 0, TokenCount(""))
	assert.Equal(t, 1, TokenCount("abc"))
	assert.Equal(t, 2, TokenCount("abcde"))

	parts := splitToTokenLimit(strings.Repeat("word ", 200), 20)
	assert.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, TokenCount(p), 21)
	}
}

func TestSplitToTokenLimitKeepsRunesIntact(t *testing.T) {
	// CJK prose has no ASCII separators, forcing the hard-slice path
	text := strings.Repeat("文章内容", 500)
	parts := splitToTokenLimit(text, 100)
	require.Greater(t, len(parts), 1)
	var rebuilt strings.Builder
	for _, p := range parts {
		assert.True(t, utf8.ValidString(p), "piece cut inside a rune")
		rebuilt.WriteString(p)
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestTailTokensKeepsRunesIntact(t *testing.T) {
	text := strings.Repeat("文章内容", 200)
	tail := tailTokens(text, 50)
	assert.True(t, utf8.ValidString(tail))
	assert.True(t, strings.HasSuffix(text, tail))
	assert.NotEmpty(t, tail)
}

func TestMergeOrphansCascades(t *testing.T) {
	body := strings.Repeat("Body sentence here. ", 10)
	drafts := []draft{
		{text: body, blockIDs: []string{"b1"}},
		{text: "Page 2", blockIDs: []string{"b2"}},
		{text: "Introduction", blockIDs: []string{"b3"}},
		{text: body, blockIDs: []string{"b4"}},
		{text: "Tail.", blockIDs: []string{"b5"}},
	}
	merged := mergeOrphans(drafts, 200)
	require.Len(t, merged, 2)
	assert.Equal(t, []string{"b1", "b2", "b3"}, merged[0].blockIDs)
	assert.Equal(t, []string{"b4", "b5"}, merged[1].blockIDs)
	assert.Contains(t, merged[0].text, "Introduction")
}

type staticEnricher struct{}

func (staticEnricher) Enrich(_ context.Context, _ []string, _ string) (string, error) {
	return "This passage covers quarterly revenue.", nil
}

func TestRunContextualEnrichment(t *testing.T) {
	long := strings.Repeat("Revenue went up across all segments this quarter. ", 20)
	blocks := []*storage.Block{
		block("b1", "paragraph", long, 0, 0, map[string]any{"headers": []string{"Financials"}}),
	}
	docs := &fakeDocs{doc: &storage.Document{DocID: "doc-1", TenantID: "t1", URI: "report.pdf"}}
	store := &fakeChunks{}
	svc := NewService(docs, &fakeBlocks{blocks: blocks}, store, &fakeEvents{},
		config.ChunkingConfig{TargetTokens: 800, ContextualEnabled: true}, staticEnricher{}, nil)

	_, chunks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "This passage covers quarterly revenue."))
	assert.Equal(t, true, chunks[0].Meta["contextualized"])
	assert.Equal(t, TokenCount(chunks[0].Text), chunks[0].Meta["tokens"])
}
