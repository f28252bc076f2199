// Package chunk turns a document's blocks into retrieval-sized chunks under
// a recorded chunk plan.
package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
)

const (
	lowCoverageRatio = 0.85
	tinyChunkTokens  = 60
	tinyChunkShare   = 0.30
)

// DocumentStore is the document persistence chunking needs.
type DocumentStore interface {
	GetByID(ctx context.Context, docID string) (*storage.Document, error)
	SetState(ctx context.Context, docID, state string) error
	SetPipelineVersion(ctx context.Context, docID, stage, version string) error
}

// BlockStore reads extracted blocks.
type BlockStore interface {
	ListByDoc(ctx context.Context, docID string) ([]*storage.Block, error)
}

// ChunkStore persists chunk plans.
type ChunkStore interface {
	ReplacePlan(ctx context.Context, plan *storage.ChunkPlan, chunks []*storage.Chunk) error
}

// EventStore records pipeline events.
type EventStore interface {
	Append(ctx context.Context, e *storage.Event) error
}

// Service chunks extracted documents.
type Service struct {
	docs     DocumentStore
	blocks   BlockStore
	chunks   ChunkStore
	events   EventStore
	cfg      config.ChunkingConfig
	enricher Enricher
	log      *observability.Logger
}

// NewService creates a chunking service. enricher may be nil; contextual
// enrichment then stays off regardless of configuration.
func NewService(docs DocumentStore, blocks BlockStore, chunks ChunkStore, events EventStore, cfg config.ChunkingConfig, enricher Enricher, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	if cfg.TargetTokens <= 0 {
		cfg.TargetTokens = 800
	}
	if cfg.MaxChunksPerDoc <= 0 {
		cfg.MaxChunksPerDoc = 5000
	}
	return &Service{
		docs:     docs,
		blocks:   blocks,
		chunks:   chunks,
		events:   events,
		cfg:      cfg,
		enricher: enricher,
		log:      log.WithComponent("chunk"),
	}
}

// Run chunks one document and transitions it to CHUNKED. The new plan and its
// chunks replace any prior plan atomically.
func (s *Service) Run(ctx context.Context, docID string) (*storage.ChunkPlan, []*storage.Chunk, error) {
	started := time.Now()
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, nil, fmt.Errorf("load document: %w", err)
	}
	blocks, err := s.blocks.ListByDoc(ctx, docID)
	if err != nil {
		return nil, nil, s.fail(ctx, doc, started, fmt.Errorf("list blocks: %w", err))
	}

	strategy := selectStrategy(blocks)
	plan := &storage.ChunkPlan{
		PlanID:     uuid.NewString(),
		DocID:      docID,
		Strategy:   strategy,
		BlockCount: len(blocks),
		Params: map[string]any{
			"target_tokens":  s.cfg.TargetTokens,
			"overlap_tokens": s.cfg.OverlapTokens,
		},
		PageSpan: pageSpan(blocks),
	}

	chunks := s.build(doc, plan, blocks)
	warnings := s.runWarnings(chunks, blocks)

	if s.cfg.ContextualEnabled && s.enricher != nil {
		if err := s.enrich(ctx, chunks); err != nil {
			s.log.WithDoc(docID).Warn().Err(err).Msg("contextual enrichment failed")
			warnings = append(warnings, "contextual_enrichment_failed")
		}
	}

	if err := s.chunks.ReplacePlan(ctx, plan, chunks); err != nil {
		return nil, nil, s.fail(ctx, doc, started, fmt.Errorf("replace plan: %w", err))
	}
	if err := s.docs.SetState(ctx, docID, storage.StateChunked); err != nil {
		return nil, nil, s.fail(ctx, doc, started, fmt.Errorf("set state: %w", err))
	}
	if err := s.docs.SetPipelineVersion(ctx, docID, "chunk", strategy); err != nil {
		return nil, nil, s.fail(ctx, doc, started, fmt.Errorf("set pipeline version: %w", err))
	}

	status := storage.StatusOK
	if len(warnings) > 0 {
		status = storage.StatusWarn
	}
	s.emit(ctx, doc, status, started, map[string]any{
		"strategy": strategy,
		"chunks":   len(chunks),
		"warnings": warnings,
	})
	return plan, chunks, nil
}

func (s *Service) build(doc *storage.Document, plan *storage.ChunkPlan, blocks []*storage.Block) []*storage.Chunk {
	root := path.Base(doc.URI)
	p := &packer{target: s.cfg.TargetTokens, overlap: s.cfg.OverlapTokens}

	var chunks []*storage.Chunk
	switch plan.Strategy {
	case StrategyTiny:
		if d := tinyDraft(blocks); d != nil {
			chunks = append(chunks, s.finish(plan, root, *d))
		}
	default:
		for _, b := range blocks {
			if b.Type == "table" {
				chunks = append(chunks, s.tableChunk(plan, root, b))
			}
		}
		for _, d := range p.pack(blocks) {
			chunks = append(chunks, s.finish(plan, root, d))
		}
	}

	if len(chunks) > s.cfg.MaxChunksPerDoc {
		chunks = chunks[:s.cfg.MaxChunksPerDoc]
	}
	return chunks
}

// tinyDraft concatenates everything into a single chunk.
func tinyDraft(blocks []*storage.Block) *draft {
	var d *draft
	var parts []string
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		text := b.Text
		if headers := metaStrings(b.Meta, "headers"); len(headers) > 0 && len(parts) == 0 {
			text = strings.Join(headers, " / ") + "\n\n" + text
		}
		parts = append(parts, text)
		if d == nil {
			d = &draft{
				types:  []string{b.Type},
				pages:  [2]int{b.Page, b.Page},
				spans:  [2]int{b.SpanStart, b.SpanEnd},
			}
		} else {
			d.types = appendUnique(d.types, b.Type)
			if b.Page > d.pages[1] {
				d.pages[1] = b.Page
			}
			if b.SpanEnd > d.spans[1] {
				d.spans[1] = b.SpanEnd
			}
		}
		d.blockIDs = append(d.blockIDs, b.BlockID)
	}
	if d == nil {
		return nil
	}
	d.text = strings.Join(parts, "\n\n")
	return d
}

func (s *Service) tableChunk(plan *storage.ChunkPlan, root string, b *storage.Block) *storage.Chunk {
	d := draft{
		text:     b.Text,
		types:    []string{"table"},
		blockIDs: []string{b.BlockID},
		headers:  metaStrings(b.Meta, "headers"),
		pages:    [2]int{b.Page, b.Page},
		spans:    [2]int{b.SpanStart, b.SpanEnd},
	}
	c := s.finish(plan, root, d)
	if rows := metaInt(b.Meta, "rows"); rows > 0 {
		c.Meta["table_rows"] = rows
	}
	if cols := metaInt(b.Meta, "cols"); cols > 0 {
		c.Meta["table_cols"] = cols
	}
	if html, ok := b.Meta["html"].(string); ok && html != "" {
		c.Meta["html"] = html
	}
	return c
}

// finish turns a draft into a persisted-shape chunk with checksum and meta.
func (s *Service) finish(plan *storage.ChunkPlan, root string, d draft) *storage.Chunk {
	headers := d.headers
	if root != "" && root != "." {
		headers = append([]string{root}, headers...)
	}
	sum := sha256.Sum256([]byte(d.text))
	return &storage.Chunk{
		ChunkID:   uuid.NewString(),
		PlanID:    plan.PlanID,
		DocID:     plan.DocID,
		SpanStart: d.spans[0],
		SpanEnd:   d.spans[1],
		PageStart: d.pages[0],
		PageEnd:   d.pages[1],
		Text:      d.text,
		Checksum:  hex.EncodeToString(sum[:]),
		Meta: map[string]any{
			"strategy":         plan.Strategy,
			"types":            d.types,
			"source_block_ids": d.blockIDs,
			"context_headers":  headers,
			"tokens":           TokenCount(d.text),
		},
	}
}

func (s *Service) runWarnings(chunks []*storage.Chunk, blocks []*storage.Block) []string {
	var warnings []string

	blockChars, chunkChars := 0, 0
	for _, b := range blocks {
		blockChars += len(b.Text)
	}
	for _, c := range chunks {
		chunkChars += len(c.Text)
	}
	if blockChars > 0 {
		if ratio := float64(chunkChars) / float64(blockChars); ratio < lowCoverageRatio {
			warnings = append(warnings, fmt.Sprintf("low_coverage:%.2f", ratio))
		}
	}

	tiny, narrative := 0, 0
	for _, c := range chunks {
		tokens := TokenCount(c.Text)
		if tokens > oversizeWarnTokens {
			warnings = append(warnings, fmt.Sprintf("chunk_too_large:%d", tokens))
		}
		if isTable(c) {
			continue
		}
		narrative++
		if tokens < tinyChunkTokens {
			tiny++
		}
	}
	if narrative > 0 && float64(tiny)/float64(narrative) > tinyChunkShare {
		warnings = append(warnings, "too_many_tiny_chunks")
	}
	return warnings
}

func isTable(c *storage.Chunk) bool {
	for _, t := range metaStrings(c.Meta, "types") {
		if t == "table" {
			return true
		}
	}
	return false
}

func pageSpan(blocks []*storage.Block) []int {
	if len(blocks) == 0 {
		return nil
	}
	lo, hi := blocks[0].Page, blocks[0].Page
	for _, b := range blocks[1:] {
		if b.Page < lo {
			lo = b.Page
		}
		if b.Page > hi {
			hi = b.Page
		}
	}
	return []int{lo, hi}
}

func (s *Service) fail(ctx context.Context, doc *storage.Document, started time.Time, err error) error {
	s.emit(ctx, doc, storage.StatusFail, started, map[string]any{"error": err.Error()})
	return err
}

func (s *Service) emit(ctx context.Context, doc *storage.Document, status string, started time.Time, details map[string]any) {
	latency := float64(time.Since(started).Milliseconds())
	e := &storage.Event{
		TenantID:  doc.TenantID,
		DocID:     &doc.DocID,
		Stage:     "CHUNK",
		Status:    status,
		LatencyMS: &latency,
		Details:   details,
		TraceID:   observability.TraceIDFromContext(ctx),
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn().Err(err).Msg("event append failed")
	}
}
