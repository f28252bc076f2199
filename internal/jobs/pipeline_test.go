package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/storage"
)

type stageRecorder struct {
	calls   []string
	failAt  string
	kind    string
	invalid []string
}

func (r *stageRecorder) call(name string) error {
	r.calls = append(r.calls, name)
	if r.failAt == name {
		return errors.New(name + " exploded")
	}
	return nil
}

type fakeNormalize struct{ r *stageRecorder }

func (f *fakeNormalize) Run(_ context.Context, _ string) (*storage.Normalization, error) {
	return &storage.Normalization{PageCount: 2}, f.r.call("normalize")
}

type fakeExtract struct{ r *stageRecorder }

func (f *fakeExtract) Run(_ context.Context, _ string) ([]*storage.Block, error) {
	return []*storage.Block{{BlockID: "b1"}}, f.r.call("extract")
}

type fakeChunk struct{ r *stageRecorder }

func (f *fakeChunk) Run(_ context.Context, docID string) (*storage.ChunkPlan, []*storage.Chunk, error) {
	chunks := []*storage.Chunk{{ChunkID: "c1", DocID: docID}, {ChunkID: "c2", DocID: docID}}
	return &storage.ChunkPlan{PlanID: "p1"}, chunks, f.r.call("chunk")
}

type fakeGraph struct{ r *stageRecorder }

func (f *fakeGraph) Run(_ context.Context, _ string) (int, int, error) {
	return 3, 2, f.r.call("graph")
}

type fakeEmbed struct{ r *stageRecorder }

func (f *fakeEmbed) EmbedDocument(_ context.Context, _ *storage.Document, chunks []storage.Chunk) (*embed.Result, error) {
	return &embed.Result{Total: len(chunks), Embedded: len(chunks)}, f.r.call("embed")
}

type fakeStructured struct{ r *stageRecorder }

func (f *fakeStructured) Run(_ context.Context, _ string) (string, error) {
	return f.r.kind, f.r.call("structured")
}

type fakePipelineDocs struct {
	missing map[string]bool
}

func (f *fakePipelineDocs) GetByID(_ context.Context, docID string) (*storage.Document, error) {
	if f.missing[docID] {
		return nil, storage.ErrNotFound
	}
	return &storage.Document{DocID: docID, TenantID: "t1"}, nil
}

type fakeEventLog struct {
	events []*storage.Event
}

func (f *fakeEventLog) Append(_ context.Context, e *storage.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (r *stageRecorder) InvalidateDoc(docID string) {
	r.invalid = append(r.invalid, docID)
}

func newTestPipeline(r *stageRecorder, events *fakeEventLog) *Pipeline {
	return NewPipeline(PipelineDeps{
		Normalize:  &fakeNormalize{r},
		Extract:    &fakeExtract{r},
		Chunk:      &fakeChunk{r},
		Graph:      &fakeGraph{r},
		Embed:      &fakeEmbed{r},
		Structured: &fakeStructured{r},
		Docs:       &fakePipelineDocs{},
		Events:     events,
		Caches:     r,
	}, nil)
}

func TestProcessDocRunsStagesInOrder(t *testing.T) {
	r := &stageRecorder{kind: "invoice"}
	events := &fakeEventLog{}
	p := newTestPipeline(r, events)

	res := p.ProcessDoc(context.Background(), "d1")

	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "invoice", res.Kind)
	assert.Equal(t, []string{"normalize", "extract", "chunk", "graph", "embed", "structured"}, r.calls)
	for _, key := range []string{"normalize_ms", "extract_ms", "chunk_ms", "graph_ms", "embed_ms", "structured_ms"} {
		assert.Contains(t, res.Timings, key)
	}
	assert.Equal(t, []string{"d1"}, r.invalid)

	require.Len(t, events.events, 1)
	e := events.events[0]
	assert.Equal(t, "PIPELINE", e.Stage)
	assert.Equal(t, storage.StatusOK, e.Status)
	assert.Equal(t, "t1", e.TenantID)
	assert.Equal(t, 2, e.Details["chunks"])
	assert.Equal(t, 3, e.Details["graph_nodes"])
	assert.Equal(t, 2, e.Details["embedded"])
}

func TestProcessDocStageFailureStopsRun(t *testing.T) {
	r := &stageRecorder{failAt: "extract"}
	events := &fakeEventLog{}
	p := newTestPipeline(r, events)

	res := p.ProcessDoc(context.Background(), "d1")

	assert.Equal(t, "error", res.Status)
	assert.Contains(t, res.Error, "extract exploded")
	assert.Equal(t, []string{"normalize", "extract"}, r.calls)
	assert.Empty(t, r.invalid, "caches must not be invalidated on failure")

	require.Len(t, events.events, 1)
	assert.Equal(t, storage.StatusFail, events.events[0].Status)
	assert.Equal(t, "extract exploded", events.events[0].Details["error"])
}

func TestProcessBatchRecordsPerDocErrors(t *testing.T) {
	r := &stageRecorder{}
	events := &fakeEventLog{}
	p := NewPipeline(PipelineDeps{
		Normalize: &fakeNormalize{r},
		Extract:   &fakeExtract{r},
		Chunk:     &fakeChunk{r},
		Graph:     &fakeGraph{r},
		Embed:     &failingEmbedFor{"d2"},
		Docs:      &fakePipelineDocs{},
		Events:    events,
	}, nil)

	var progress []float64
	results := p.ProcessBatch(context.Background(), []string{"d1", "d2"}, func(pct float64) {
		progress = append(progress, pct)
	})

	require.Len(t, results, 2)
	assert.Equal(t, "ok", results[0].Status)
	assert.Equal(t, "error", results[1].Status)
	assert.Equal(t, []float64{50, 100}, progress)
}

type failingEmbedFor struct {
	docID string
}

func (f *failingEmbedFor) EmbedDocument(_ context.Context, doc *storage.Document, chunks []storage.Chunk) (*embed.Result, error) {
	if doc.DocID == f.docID {
		return nil, errors.New("index unavailable")
	}
	return &embed.Result{Total: len(chunks), Embedded: len(chunks)}, nil
}

func TestRoundPct(t *testing.T) {
	assert.InDelta(t, 33.33, roundPct(100.0/3), 0.001)
	assert.InDelta(t, 100.0, roundPct(100), 0.001)
}
