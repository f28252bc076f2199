package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/storage"
	"github.com/quarryhq/quarry/internal/vectorindex"
)

func testDoc() *storage.Document {
	return &storage.Document{
		DocID:    "doc-1",
		TenantID: "tenant-a",
		URI:      "invoices/acme.pdf",
		MIME:     "application/pdf",
	}
}

func testChunk(id, text string) storage.Chunk {
	return storage.Chunk{
		ChunkID:  id,
		PlanID:   "plan-1",
		DocID:    "doc-1",
		Text:     text,
		Checksum: "sum-" + text,
	}
}

func TestEmbedDocumentFirstRun(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory(64)
	svc := NewService(idx, NewHashEngine(64), nil)

	chunks := []storage.Chunk{
		testChunk("c1", "alpha beta"),
		testChunk("c2", "gamma delta"),
	}
	res, err := svc.EmbedDocument(ctx, testDoc(), chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Embedded)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 0, res.Deleted)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestEmbedDocumentChecksumDelta(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory(64)
	svc := NewService(idx, NewHashEngine(64), nil)
	doc := testDoc()

	chunks := []storage.Chunk{
		testChunk("c1", "alpha beta"),
		testChunk("c2", "gamma delta"),
	}
	_, err := svc.EmbedDocument(ctx, doc, chunks)
	require.NoError(t, err)

	// c1 unchanged, c2 rewritten, c3 new, the old c2 id survives so nothing
	// is stale yet
	chunks[1].Text = "gamma delta revised"
	chunks[1].Checksum = "sum-revised"
	chunks = append(chunks, testChunk("c3", "epsilon"))

	res, err := svc.EmbedDocument(ctx, doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Embedded)
	assert.Equal(t, 0, res.Deleted)
}

func TestEmbedDocumentDeletesStalePoints(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory(64)
	svc := NewService(idx, NewHashEngine(64), nil)
	doc := testDoc()

	_, err := svc.EmbedDocument(ctx, doc, []storage.Chunk{
		testChunk("c1", "alpha"),
		testChunk("c2", "beta"),
	})
	require.NoError(t, err)

	res, err := svc.EmbedDocument(ctx, doc, []storage.Chunk{testChunk("c1", "alpha")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Embedded)
	assert.Equal(t, 1, res.Deleted)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestEmbedDocumentIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory(64)
	svc := NewService(idx, NewHashEngine(64), nil)
	doc := testDoc()
	chunks := []storage.Chunk{testChunk("c1", "alpha"), testChunk("c2", "beta")}

	_, err := svc.EmbedDocument(ctx, doc, chunks)
	require.NoError(t, err)
	res, err := svc.EmbedDocument(ctx, doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Embedded)
	assert.Equal(t, 0, res.Deleted)
}

func TestBuildEmbedText(t *testing.T) {
	table := storage.Chunk{
		Text: "| a | b |",
		Meta: map[string]any{
			"types":           []any{"table"},
			"table_rows":      float64(3),
			"table_cols":      float64(2),
			"context_headers": []any{"Invoices", "Q1"},
		},
	}
	got := BuildEmbedText(table)
	assert.Contains(t, got, "[table rows=3 cols=2]")
	assert.Contains(t, got, "Invoices / Q1")
	assert.Contains(t, got, "| a | b |")

	list := storage.Chunk{Text: "• one", Meta: map[string]any{"types": []string{"list"}}}
	assert.Equal(t, "[list]\n\n• one", BuildEmbedText(list))

	plain := storage.Chunk{Text: "hello"}
	assert.Equal(t, "hello", BuildEmbedText(plain))
}

func TestHashEngineDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashEngine(64)
	a, err := e.Embed(ctx, []string{"invoice total amount"})
	require.NoError(t, err)
	b, err := e.Embed(ctx, []string{"invoice total amount"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], 64)
}
