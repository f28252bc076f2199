package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/cache"
	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/storage"
	"github.com/quarryhq/quarry/internal/vectorindex"
)

const testDim = 64

type fakeChunks struct {
	byID    map[string]*storage.Chunk
	byDoc   map[string][]*storage.Chunk
	byBlock map[string][]*storage.Chunk
	kw      []*storage.KeywordHit
	longest []*storage.Chunk
}

func newFakeChunks() *fakeChunks {
	return &fakeChunks{
		byID:    map[string]*storage.Chunk{},
		byDoc:   map[string][]*storage.Chunk{},
		byBlock: map[string][]*storage.Chunk{},
	}
}

func (f *fakeChunks) add(c *storage.Chunk) {
	f.byID[c.ChunkID] = c
	f.byDoc[c.DocID] = append(f.byDoc[c.DocID], c)
	for _, b := range metaStrings(c.Meta, "source_block_ids") {
		f.byBlock[b] = append(f.byBlock[b], c)
	}
}

func (f *fakeChunks) KeywordSearch(context.Context, string, string, int, *storage.KeywordFilters) ([]*storage.KeywordHit, error) {
	return f.kw, nil
}

func (f *fakeChunks) GetByIDs(_ context.Context, ids []string) ([]*storage.Chunk, error) {
	var out []*storage.Chunk
	for _, id := range ids {
		if c, ok := f.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChunks) ListByDoc(_ context.Context, docID string) ([]*storage.Chunk, error) {
	return f.byDoc[docID], nil
}

func (f *fakeChunks) ByBlockIDs(_ context.Context, _ string, blockIDs []string) ([]*storage.Chunk, error) {
	seen := map[string]bool{}
	var out []*storage.Chunk
	for _, b := range blockIDs {
		for _, c := range f.byBlock[b] {
			if !seen[c.ChunkID] {
				seen[c.ChunkID] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (f *fakeChunks) LongestChunks(context.Context, string, int, bool) ([]*storage.Chunk, error) {
	return f.longest, nil
}

type fakeDocs struct{ docs map[string]*storage.Document }

func (f *fakeDocs) GetByID(_ context.Context, docID string) (*storage.Document, error) {
	if d, ok := f.docs[docID]; ok {
		return d, nil
	}
	return nil, storage.ErrNotFound
}

type fakeGraph struct {
	nodesByBlock map[string][]*storage.GraphNode
	neighbors    map[string][]*storage.GraphNode
}

func (f *fakeGraph) NodesForBlocks(_ context.Context, _ string, blockIDs []string) ([]*storage.GraphNode, error) {
	var out []*storage.GraphNode
	for _, b := range blockIDs {
		out = append(out, f.nodesByBlock[b]...)
	}
	return out, nil
}

func (f *fakeGraph) Neighbors(_ context.Context, _ string, nodeIDs []string, _ int) ([]*storage.GraphNode, error) {
	var out []*storage.GraphNode
	for _, id := range nodeIDs {
		out = append(out, f.neighbors[id]...)
	}
	return out, nil
}

type fakeStructured struct {
	byNumber map[string][]string
	byRange  []string
}

func (f *fakeStructured) InvoiceDocIDsByNumber(_ context.Context, _, number string) ([]string, error) {
	return f.byNumber[number], nil
}

func (f *fakeStructured) InvoiceDocIDsByDateRange(context.Context, string, time.Time, time.Time) ([]string, error) {
	return f.byRange, nil
}

type fakeEvents struct{ events []*storage.Event }

func (f *fakeEvents) Append(_ context.Context, e *storage.Event) error {
	f.events = append(f.events, e)
	return nil
}

type fakeReranker struct {
	scores map[string]float64
	err    error
	calls  int
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, docs []string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(docs))
	for i, d := range docs {
		out[i] = f.scores[d]
	}
	return out, nil
}

type failingIndex struct{ vectorindex.Index }

func (failingIndex) Search(context.Context, []float32, int, vectorindex.Filter) ([]vectorindex.Hit, error) {
	return nil, errors.New("connection refused")
}

type env struct {
	svc    *Service
	chunks *fakeChunks
	index  *vectorindex.Memory
	engine *embed.HashEngine
	events *fakeEvents
}

func newEnv(t *testing.T, cfg config.RetrievalConfig) *env {
	t.Helper()
	e := &env{
		chunks: newFakeChunks(),
		index:  vectorindex.NewMemory(testDim),
		engine: embed.NewHashEngine(testDim),
		events: &fakeEvents{},
	}
	e.svc = NewService(Deps{
		Embedder: e.engine,
		Index:    e.index,
		Chunks:   e.chunks,
		Docs:     &fakeDocs{docs: map[string]*storage.Document{}},
		Events:   e.events,
	}, cfg, nil)
	return e
}

// seed indexes a chunk in both the fake store and the memory index.
func (e *env) seed(t *testing.T, c *storage.Chunk, types []string) {
	t.Helper()
	e.chunks.add(c)
	vecs, err := e.engine.Embed(context.Background(), []string{c.Text})
	require.NoError(t, err)
	err = e.index.Upsert(context.Background(), []vectorindex.Point{{
		ID:     c.ChunkID,
		Vector: vecs[0],
		Payload: vectorindex.Payload{
			TenantID: "t1", DocID: c.DocID, ChunkID: c.ChunkID, Types: types,
		},
	}})
	require.NoError(t, err)
}

func chunk(id, docID, text string, span int) *storage.Chunk {
	return &storage.Chunk{
		ChunkID: id, DocID: docID, Text: text,
		SpanStart: span, SpanEnd: span + len(text),
		Meta: map[string]any{"types": []string{"paragraph"}},
	}
}

func TestSearchHybridRanksExactMatchFirst(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{})
	e.seed(t, chunk("c1", "d1", "the onboarding policy requires a background check", 0), nil)
	e.seed(t, chunk("c2", "d1", "lunch menu options for the cafeteria rotation", 100), nil)
	e.seed(t, chunk("c3", "d2", "parking permits renew every fiscal cycle", 0), nil)
	e.chunks.kw = []*storage.KeywordHit{
		{Chunk: *e.chunks.byID["c1"], Score: 1.0},
	}

	res, err := e.svc.Search(context.Background(), "t1", "the onboarding policy requires a background check", 2, true, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "c1", res.Hits[0].Chunk.ChunkID)
	assert.Equal(t, "hybrid", res.Hits[0].Source)

	require.Len(t, e.events.events, 1)
	assert.Equal(t, "RETRIEVE", e.events.events[0].Stage)
	assert.Equal(t, storage.StatusOK, e.events.events[0].Status)
}

func TestSearchRerankReordersTopCandidates(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{RerankEnabled: true, RerankTopN: 10})
	e.seed(t, chunk("c1", "d1", "the onboarding policy requires a background check", 0), nil)
	e.seed(t, chunk("c2", "d2", "background screening is completed before the start date", 0), nil)

	rr := &fakeReranker{scores: map[string]float64{
		"the onboarding policy requires a background check":       0.1,
		"background screening is completed before the start date": 0.9,
	}}
	e.svc.reranker = rr

	res, err := e.svc.Search(context.Background(), "t1", "the onboarding policy requires a background check", 2, false, nil)
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "c2", res.Hits[0].Chunk.ChunkID)
	assert.Equal(t, 1, rr.calls)
}

func TestSearchRerankFailureKeepsFusedOrder(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{RerankEnabled: true})
	e.seed(t, chunk("c1", "d1", "the onboarding policy requires a background check", 0), nil)
	e.seed(t, chunk("c2", "d2", "background screening is completed before the start date", 0), nil)
	e.svc.reranker = &fakeReranker{err: errors.New("scorer down")}

	res, err := e.svc.Search(context.Background(), "t1", "the onboarding policy requires a background check", 2, false, nil)
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "c1", res.Hits[0].Chunk.ChunkID)
}

func TestSearchRerankDisabledSkipsScorer(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{})
	e.seed(t, chunk("c1", "d1", "the onboarding policy requires a background check", 0), nil)
	e.seed(t, chunk("c2", "d2", "background screening is completed before the start date", 0), nil)
	rr := &fakeReranker{}
	e.svc.reranker = rr

	_, err := e.svc.Search(context.Background(), "t1", "the onboarding policy requires a background check", 2, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rr.calls)
}

func TestSearchInvoiceNumberNarrowsToMatchingDoc(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{})
	e.svc.structured = &fakeStructured{byNumber: map[string][]string{"INV-2024-001": {"d2"}}}
	e.seed(t, chunk("c1", "d1", "unrelated spending report narrative", 0), nil)

	table := chunk("c2", "d2", "Description | Amount\nServices | 12,345.00", 0)
	table.Meta["types"] = []string{"table"}
	e.seed(t, table, []string{"table"})

	res, err := e.svc.Search(context.Background(), "t1", "total for INV-2024-001", 5, false, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	for _, h := range res.Hits {
		assert.Equal(t, "d2", h.Chunk.DocID)
	}
}

func TestSearchDateRangeFilter(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{})
	e.svc.structured = &fakeStructured{byRange: []string{"d1"}}

	f := &Filters{}
	ok := e.svc.enrich(context.Background(), "t1", "invoices from Q2 2024", f)
	require.True(t, ok)
	require.NotNil(t, f.DateRange)
	assert.Equal(t, "2024-04-01", f.DateRange.Start.Format("2006-01-02"))
	assert.Equal(t, "2024-06-30", f.DateRange.End.Format("2006-01-02"))
	assert.Equal(t, []string{"d1"}, f.DocIDs)
}

func TestSearchBreakerOpensAfterRepeatedFailures(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{})
	e.svc.index = failingIndex{}

	for i := 0; i < breakerThreshold; i++ {
		res, err := e.svc.Search(context.Background(), "t1", "anything", 3, false, nil)
		require.NoError(t, err)
		assert.Contains(t, res.Warnings, "vector_leg_failed")
	}
	res, err := e.svc.Search(context.Background(), "t1", "anything", 3, false, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Warnings, "vector_breaker_open")
}

func TestSearchSafetyNet(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{SafetyNetEnabled: true})
	long := chunk("c1", "d1", "a very long narrative chunk that exists only as a fallback", 0)
	table := chunk("c2", "d1", "Item | Amount\nWidgets | 10", 100)
	table.Meta["types"] = []string{"table"}
	e.chunks.longest = []*storage.Chunk{table, long}

	res, err := e.svc.Search(context.Background(), "t1", "no matching corpus", 2, false, nil)
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Contains(t, res.Warnings, "safety_net")
	assert.Equal(t, safetyTableScore, res.Hits[0].Score)
	assert.Equal(t, safetyTextScore, res.Hits[1].Score)
	assert.Equal(t, "safety_net", res.Hits[0].Source)
}

func TestExpandWindowsStitchesNeighbors(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{})
	first := chunk("c1", "d1", "First passage.", 0)
	mid := chunk("c2", "d1", "Middle passage.", 100)
	last := chunk("c3", "d1", "Last passage.", 200)
	for _, c := range []*storage.Chunk{first, mid, last} {
		e.chunks.add(c)
	}

	hits := []*Hit{{Chunk: mid, Score: 1}}
	e.svc.expandWindows(context.Background(), hits)

	require.True(t, hits[0].WindowExpanded)
	assert.Contains(t, hits[0].Chunk.Text, "First passage.")
	assert.Contains(t, hits[0].Chunk.Text, "Middle passage.")
	assert.Contains(t, hits[0].Chunk.Text, "Last passage.")
	assert.Equal(t, 0, hits[0].Chunk.SpanStart)
	assert.Equal(t, last.SpanEnd, hits[0].Chunk.SpanEnd)
	// the stored chunk is untouched
	assert.Equal(t, "Middle passage.", mid.Text)
}

func TestExpandGraphAddsNeighborChunks(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{})
	seedChunk := chunk("c1", "d1", "seed text", 0)
	seedChunk.Meta["source_block_ids"] = []string{"b1"}
	neighbor := chunk("c2", "d1", "neighbor text", 100)
	neighbor.Meta["source_block_ids"] = []string{"b2"}
	e.chunks.add(seedChunk)
	e.chunks.add(neighbor)

	e.svc.graph = &fakeGraph{
		nodesByBlock: map[string][]*storage.GraphNode{
			"b1": {{NodeID: "n1", Meta: map[string]any{"source_block_id": "b1"}}},
		},
		neighbors: map[string][]*storage.GraphNode{
			"n1": {{NodeID: "n2", Meta: map[string]any{"source_block_id": "b2"}}},
		},
	}

	hits := []*Hit{{Chunk: seedChunk, Score: 0.8, Source: "vector"}}
	added := e.svc.expandGraph(context.Background(), hits, 5, "seed", false)
	require.Len(t, added, 1)
	assert.Equal(t, "c2", added[0].Chunk.ChunkID)
	assert.InDelta(t, graphScoreFactor*0.8, added[0].Score, 1e-9)
	assert.Equal(t, "graph", added[0].Source)
}

func TestSearchUsesQueryCache(t *testing.T) {
	e := newEnv(t, config.RetrievalConfig{CacheResults: true})
	e.svc.cache = cache.NewMemoryClient(16)
	e.seed(t, chunk("c1", "d1", "reusable cached answer text", 0), nil)

	res1, err := e.svc.Search(context.Background(), "t1", "reusable cached answer text", 3, false, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res1.Hits)

	res2, err := e.svc.Search(context.Background(), "t1", "reusable cached answer text", 3, false, nil)
	require.NoError(t, err)
	assert.Equal(t, len(res1.Hits), len(res2.Hits))
	// second call was served from cache and emitted no new event
	assert.Len(t, e.events.events, 1)
}
