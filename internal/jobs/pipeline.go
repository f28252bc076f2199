// Package jobs runs document pipelines, either inline or through the
// database-backed job queue drained by a polling worker.
package jobs

import (
	"context"
	"math"
	"time"

	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
)

// Normalizer produces the canonical rendition of a document.
type Normalizer interface {
	Run(ctx context.Context, docID string) (*storage.Normalization, error)
}

// Extractor derives typed blocks from the canonical rendition.
type Extractor interface {
	Run(ctx context.Context, docID string) ([]*storage.Block, error)
}

// Chunker packs blocks into retrieval chunks.
type Chunker interface {
	Run(ctx context.Context, docID string) (*storage.ChunkPlan, []*storage.Chunk, error)
}

// GraphBuilder rebuilds the document's structural graph.
type GraphBuilder interface {
	Run(ctx context.Context, docID string) (int, int, error)
}

// Embedder indexes the document's chunks into the vector store.
type Embedder interface {
	EmbedDocument(ctx context.Context, doc *storage.Document, chunks []storage.Chunk) (*embed.Result, error)
}

// StructuredExtractor pulls invoice or contract fields when the document
// looks like one.
type StructuredExtractor interface {
	Run(ctx context.Context, docID string) (string, error)
}

// DocumentStore resolves documents for the embed stage and event tenancy.
type DocumentStore interface {
	GetByID(ctx context.Context, docID string) (*storage.Document, error)
}

// EventStore appends audit events.
type EventStore interface {
	Append(ctx context.Context, e *storage.Event) error
}

// Invalidator drops per-document caches after a reindex.
type Invalidator interface {
	InvalidateDoc(docID string)
}

// Pipeline runs the full per-document stage sequence:
// normalize, extract, chunk, graph, embed, structured.
type Pipeline struct {
	normalize  Normalizer
	extract    Extractor
	chunk      Chunker
	graph      GraphBuilder
	embed      Embedder
	structured StructuredExtractor
	docs       DocumentStore
	events     EventStore
	caches     Invalidator
	log        *observability.Logger
}

// PipelineDeps bundles the pipeline's stage services. Structured and Caches
// are optional.
type PipelineDeps struct {
	Normalize  Normalizer
	Extract    Extractor
	Chunk      Chunker
	Graph      GraphBuilder
	Embed      Embedder
	Structured StructuredExtractor
	Docs       DocumentStore
	Events     EventStore
	Caches     Invalidator
}

// NewPipeline creates a pipeline runner.
func NewPipeline(deps PipelineDeps, log *observability.Logger) *Pipeline {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Pipeline{
		normalize:  deps.Normalize,
		extract:    deps.Extract,
		chunk:      deps.Chunk,
		graph:      deps.Graph,
		embed:      deps.Embed,
		structured: deps.Structured,
		docs:       deps.Docs,
		events:     deps.Events,
		caches:     deps.Caches,
		log:        log.WithComponent("pipeline"),
	}
}

// DocResult is the outcome of one document's pipeline run.
type DocResult struct {
	DocID   string             `json:"doc_id"`
	Status  string             `json:"status"`
	Kind    string             `json:"kind,omitempty"`
	Timings map[string]float64 `json:"timings,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// ProcessDoc runs every stage for one document. Stage failures stop the run
// for that document; the document keeps the state of its last successful
// stage.
func (p *Pipeline) ProcessDoc(ctx context.Context, docID string) *DocResult {
	started := time.Now()
	res := &DocResult{DocID: docID, Status: "ok", Timings: map[string]float64{}}
	details := map[string]any{"doc_id": docID}

	if err := p.stage(res, "normalize_ms", func() error {
		_, err := p.normalize.Run(ctx, docID)
		return err
	}); err != nil {
		return p.finish(ctx, docID, res, details, started)
	}

	if err := p.stage(res, "extract_ms", func() error {
		_, err := p.extract.Run(ctx, docID)
		return err
	}); err != nil {
		return p.finish(ctx, docID, res, details, started)
	}

	var chunks []*storage.Chunk
	if err := p.stage(res, "chunk_ms", func() error {
		var err error
		_, chunks, err = p.chunk.Run(ctx, docID)
		return err
	}); err != nil {
		return p.finish(ctx, docID, res, details, started)
	}
	details["chunks"] = len(chunks)

	if err := p.stage(res, "graph_ms", func() error {
		nodes, edges, err := p.graph.Run(ctx, docID)
		details["graph_nodes"] = nodes
		details["graph_edges"] = edges
		return err
	}); err != nil {
		return p.finish(ctx, docID, res, details, started)
	}

	if err := p.stage(res, "embed_ms", func() error {
		doc, err := p.docs.GetByID(ctx, docID)
		if err != nil {
			return err
		}
		flat := make([]storage.Chunk, len(chunks))
		for i, c := range chunks {
			flat[i] = *c
		}
		er, err := p.embed.EmbedDocument(ctx, doc, flat)
		if err != nil {
			return err
		}
		details["embedded"] = er.Embedded
		details["embed_skipped"] = er.Skipped
		return nil
	}); err != nil {
		return p.finish(ctx, docID, res, details, started)
	}

	if p.structured != nil {
		if err := p.stage(res, "structured_ms", func() error {
			kind, err := p.structured.Run(ctx, docID)
			res.Kind = kind
			return err
		}); err != nil {
			return p.finish(ctx, docID, res, details, started)
		}
	}

	if p.caches != nil {
		p.caches.InvalidateDoc(docID)
	}
	return p.finish(ctx, docID, res, details, started)
}

// ProcessBatch runs the pipeline over each document in order. Per-document
// failures are recorded, never propagated; onProgress receives the percent
// complete after each document.
func (p *Pipeline) ProcessBatch(ctx context.Context, docIDs []string, onProgress func(float64)) []*DocResult {
	results := make([]*DocResult, 0, len(docIDs))
	for i, docID := range docIDs {
		if ctx.Err() != nil {
			break
		}
		results = append(results, p.ProcessDoc(ctx, docID))
		if onProgress != nil {
			onProgress(roundPct(float64(i+1) / float64(len(docIDs)) * 100))
		}
	}
	return results
}

func (p *Pipeline) stage(res *DocResult, key string, fn func() error) error {
	started := time.Now()
	err := fn()
	res.Timings[key] = float64(time.Since(started).Milliseconds())
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return err
}

func (p *Pipeline) finish(ctx context.Context, docID string, res *DocResult, details map[string]any, started time.Time) *DocResult {
	status := storage.StatusOK
	if res.Error != "" {
		status = storage.StatusFail
		details["error"] = res.Error
	}
	for k, v := range res.Timings {
		details[k] = v
	}
	if res.Kind != "" {
		details["kind"] = res.Kind
	}

	tenantID := ""
	if doc, err := p.docs.GetByID(ctx, docID); err == nil {
		tenantID = doc.TenantID
	}
	latency := float64(time.Since(started).Milliseconds())
	e := &storage.Event{
		TenantID:  tenantID,
		DocID:     &docID,
		Stage:     "PIPELINE",
		Status:    status,
		LatencyMS: &latency,
		Details:   details,
		TraceID:   observability.TraceIDFromContext(ctx),
	}
	if err := p.events.Append(ctx, e); err != nil {
		p.log.Warn().Err(err).Str("doc_id", docID).Msg("event append failed")
	}
	return res
}

func roundPct(v float64) float64 {
	return math.Round(v*100) / 100
}
