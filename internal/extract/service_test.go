package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/objectstore"
	"github.com/quarryhq/quarry/internal/parser"
	"github.com/quarryhq/quarry/internal/storage"
)

type fakeDocs struct {
	doc   *storage.Document
	norm  *storage.Normalization
	state string
}

func (f *fakeDocs) GetByID(_ context.Context, docID string) (*storage.Document, error) {
	if f.doc == nil || f.doc.DocID != docID {
		return nil, storage.ErrNotFound
	}
	return f.doc, nil
}

func (f *fakeDocs) GetNormalization(_ context.Context, docID string) (*storage.Normalization, error) {
	if f.norm == nil {
		return nil, storage.ErrNotFound
	}
	return f.norm, nil
}

func (f *fakeDocs) SetState(_ context.Context, _, state string) error {
	f.state = state
	return nil
}

func (f *fakeDocs) SetPipelineVersion(context.Context, string, string, string) error { return nil }

type fakeBlocks struct {
	mu     sync.Mutex
	blocks []*storage.Block
}

func (f *fakeBlocks) Replace(_ context.Context, _ string, blocks []*storage.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = blocks
	return nil
}

type fakeEvents struct{ events []*storage.Event }

func (f *fakeEvents) Append(_ context.Context, e *storage.Event) error {
	f.events = append(f.events, e)
	return nil
}

func manifestWith(artifacts []parser.Artifact) *parser.Manifest {
	m := &parser.Manifest{ToolName: "test", Artifacts: artifacts}
	for _, a := range artifacts {
		m.Stats.TextChars += len(a.Text)
	}
	m.FixPageCount()
	return m
}

func newTestService(t *testing.T, m *parser.Manifest) (*Service, *fakeDocs, *fakeBlocks, *objectstore.Memory) {
	t.Helper()
	store := objectstore.NewMemory()
	ctx := context.Background()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "canonical", "doc-1/v1/manifest.json", raw, "application/json"))
	require.NoError(t, store.Put(ctx, "canonical", "doc-1/v1/index.html", []byte("<html><body></body></html>"), "text/html"))

	docs := &fakeDocs{
		doc: &storage.Document{DocID: "doc-1", TenantID: "t1", State: storage.StateNormalized},
		norm: &storage.Normalization{
			DocID:        "doc-1",
			CanonicalURI: "doc-1/v1/index.html",
			ManifestURI:  "doc-1/v1/manifest.json",
			PageCount:    m.PageCount,
		},
	}
	blocks := &fakeBlocks{}
	svc := NewService(docs, blocks, &fakeEvents{}, store,
		config.ObjectStoreConfig{CanonicalBucket: "canonical"},
		config.ExtractionConfig{StripRepeatedHeaders: true}, nil)
	return svc, docs, blocks, store
}

func TestRunBuildsBlocksWithMonotonicSpans(t *testing.T) {
	m := manifestWith([]parser.Artifact{
		{ArtifactID: "00001", Type: parser.TypeHeader, Text: "Overview", PageIdx: 0},
		{ArtifactID: "00002", Type: parser.TypeParagraph, Text: "First paragraph of text.", PageIdx: 0, Headers: []string{"Overview"}},
		{ArtifactID: "00003", Type: parser.TypeList, Text: "• one\n• two", PageIdx: 1},
	})
	svc, docs, _, _ := newTestService(t, m)

	blocks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	assert.Equal(t, storage.StateExtracted, docs.state)
	assert.Equal(t, "header", blocks[0].Type)
	assert.Equal(t, "paragraph", blocks[1].Type)
	assert.Equal(t, "list", blocks[2].Type)

	assert.Equal(t, 0, blocks[0].SpanStart)
	for i := 1; i < len(blocks); i++ {
		assert.GreaterOrEqual(t, blocks[i].SpanStart, blocks[i-1].SpanEnd)
	}
	assert.Equal(t, []string{"Overview"}, blocks[1].Meta["headers"])
	assert.Equal(t, "00002", blocks[1].Meta["source_block_id"])
}

func TestRunTableTextPreference(t *testing.T) {
	tableHTML := "<table><tr><th>Item</th><th>Amount</th></tr><tr><td>Widgets</td><td>100</td></tr></table>"
	m := manifestWith([]parser.Artifact{
		{ArtifactID: "00001", Type: parser.TypeTable, Text: "Item | Amount\nWidgets | 100",
			Metadata: map[string]any{"rows": 2, "cols": 2, "html": tableHTML}},
	})
	svc, _, _, _ := newTestService(t, m)

	blocks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	// converted from html, so markdown table syntax
	assert.Contains(t, blocks[0].Text, "|")
	assert.Contains(t, blocks[0].Text, "Widgets")
	assert.Equal(t, "table", blocks[0].Type)
	assert.NotNil(t, blocks[0].Meta["html"])
}

func TestRunPrefersTableMarkdownMeta(t *testing.T) {
	m := manifestWith([]parser.Artifact{
		{ArtifactID: "00001", Type: parser.TypeTable, Text: "a | b",
			Metadata: map[string]any{"table_markdown": "| a | b |\n| - | - |"}},
	})
	svc, _, _, _ := newTestService(t, m)

	blocks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "| a | b |\n| - | - |", blocks[0].Text)
}

func TestRunStripsRepeatedHeaders(t *testing.T) {
	var artifacts []parser.Artifact
	for page := 0; page < 5; page++ {
		artifacts = append(artifacts,
			parser.Artifact{Type: parser.TypeParagraph, Text: "Acme Corp Confidential", PageIdx: page},
			parser.Artifact{Type: parser.TypeParagraph, Text: fmt.Sprintf("Body paragraph for page %d.", page), PageIdx: page},
		)
	}
	svc, _, _, _ := newTestService(t, manifestWith(artifacts))

	blocks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, blocks, 5)
	for _, b := range blocks {
		assert.NotContains(t, b.Text, "Confidential")
	}
}

func TestRunPersistsAnchors(t *testing.T) {
	m := manifestWith([]parser.Artifact{
		{ArtifactID: "00007", Type: parser.TypeParagraph, Text: "anchored text"},
	})
	svc, _, _, store := newTestService(t, m)

	blocks, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)

	raw, err := store.Get(context.Background(), "canonical", "doc-1/v1/anchors.json")
	require.NoError(t, err)
	var anchors map[string]string
	require.NoError(t, json.Unmarshal(raw, &anchors))
	assert.Equal(t, "a-00007", anchors[blocks[0].BlockID])
}

func TestRunFallsBackToHTML(t *testing.T) {
	store := objectstore.NewMemory()
	ctx := context.Background()
	html := `<html><body><section data-page="0"><h1>Title</h1><p>Body text here.</p></section></body></html>`
	require.NoError(t, store.Put(ctx, "canonical", "doc-1/v1/index.html", []byte(html), "text/html"))

	docs := &fakeDocs{
		doc: &storage.Document{DocID: "doc-1", TenantID: "t1"},
		norm: &storage.Normalization{
			DocID:        "doc-1",
			CanonicalURI: "doc-1/v1/index.html",
			ManifestURI:  "doc-1/v1/manifest.json", // missing
			PageCount:    1,
		},
	}
	svc := NewService(docs, &fakeBlocks{}, &fakeEvents{}, store,
		config.ObjectStoreConfig{CanonicalBucket: "canonical"},
		config.ExtractionConfig{}, nil)

	blocks, err := svc.Run(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "header", blocks[0].Type)
	assert.Equal(t, "html", blocks[0].Meta["source"])
}

func TestCheckersFlagTableMismatchAndOverlap(t *testing.T) {
	artifacts := []parser.Artifact{{Type: parser.TypeTable, Text: "x"}}
	blocks := []*storage.Block{
		{Type: "paragraph", SpanStart: 0, SpanEnd: 10},
		{Type: "table", SpanStart: 5, SpanEnd: 15},
	}
	warnings := runCheckers(blocks, artifacts)
	assert.Contains(t, warnings, "table_span_overlap")
	assert.NotContains(t, warnings, "table_block_count_mismatch")

	warnings = runCheckers([]*storage.Block{}, artifacts)
	assert.Contains(t, warnings, "table_block_count_mismatch")
}

func TestCheckersFlagSpanRegression(t *testing.T) {
	blocks := []*storage.Block{
		{Type: "paragraph", SpanStart: 0, SpanEnd: 10},
		{Type: "paragraph", SpanStart: 5, SpanEnd: 20},
	}
	warnings := runCheckers(blocks, nil)
	assert.Contains(t, warnings, "span_regression")
}
