// Package extract materializes typed blocks with flat-text spans from a
// document's canonical manifest or HTML.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/google/uuid"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/objectstore"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/parser"
	"github.com/quarryhq/quarry/internal/storage"
)

const (
	spanGap          = 2 // flat-text separator between consecutive blocks
	lowCoverageRatio = 0.6
)

// DocumentStore is the document persistence extraction needs.
type DocumentStore interface {
	GetByID(ctx context.Context, docID string) (*storage.Document, error)
	GetNormalization(ctx context.Context, docID string) (*storage.Normalization, error)
	SetState(ctx context.Context, docID, state string) error
	SetPipelineVersion(ctx context.Context, docID, stage, version string) error
}

// BlockStore persists extracted blocks.
type BlockStore interface {
	Replace(ctx context.Context, docID string, blocks []*storage.Block) error
}

// EventStore records pipeline events.
type EventStore interface {
	Append(ctx context.Context, e *storage.Event) error
}

// Service extracts blocks from normalized documents.
type Service struct {
	docs      DocumentStore
	blocks    BlockStore
	events    EventStore
	store     objectstore.Store
	canonical string
	stripHF   bool
	log       *observability.Logger
}

// NewService creates an extraction service.
func NewService(docs DocumentStore, blocks BlockStore, events EventStore, store objectstore.Store, storeCfg config.ObjectStoreConfig, cfg config.ExtractionConfig, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Service{
		docs:      docs,
		blocks:    blocks,
		events:    events,
		store:     store,
		canonical: storeCfg.CanonicalBucket,
		stripHF:   cfg.StripRepeatedHeaders,
		log:       log.WithComponent("extract"),
	}
}

// Run extracts one document's blocks and transitions it to EXTRACTED. The
// manifest path is preferred; the canonical HTML is re-walked when the
// manifest is missing or unreadable.
func (s *Service) Run(ctx context.Context, docID string) ([]*storage.Block, error) {
	started := time.Now()
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	norm, err := s.docs.GetNormalization(ctx, docID)
	if err != nil {
		return nil, s.fail(ctx, doc, started, fmt.Errorf("load normalization: %w", err))
	}

	artifacts, textChars, source, err := s.loadArtifacts(ctx, norm)
	if err != nil {
		return nil, s.fail(ctx, doc, started, err)
	}

	if s.stripHF {
		artifacts = stripRepeatedLines(artifacts, norm.PageCount)
	}

	blocks := buildBlocks(doc.DocID, artifacts, source)
	warnings := runCheckers(blocks, artifacts)
	if textChars > 0 {
		var covered int
		for _, b := range blocks {
			covered += len(b.Text)
		}
		if ratio := float64(covered) / float64(textChars); ratio < lowCoverageRatio {
			warnings = append(warnings, fmt.Sprintf("low_block_coverage:%.2f", ratio))
		}
	}

	if err := s.blocks.Replace(ctx, doc.DocID, blocks); err != nil {
		return nil, s.fail(ctx, doc, started, fmt.Errorf("replace blocks: %w", err))
	}
	if err := s.persistAnchors(ctx, doc.DocID, blocks); err != nil {
		s.log.WithDoc(doc.DocID).Warn().Err(err).Msg("anchor persist failed")
	}
	if err := s.docs.SetState(ctx, doc.DocID, storage.StateExtracted); err != nil {
		return nil, s.fail(ctx, doc, started, fmt.Errorf("set state: %w", err))
	}
	if err := s.docs.SetPipelineVersion(ctx, doc.DocID, "extract", "1"); err != nil {
		return nil, s.fail(ctx, doc, started, fmt.Errorf("set pipeline version: %w", err))
	}

	status := storage.StatusOK
	if len(warnings) > 0 {
		status = storage.StatusWarn
	}
	s.emit(ctx, doc, status, started, map[string]any{
		"blocks":   len(blocks),
		"source":   source,
		"warnings": warnings,
	})
	return blocks, nil
}

// loadArtifacts reads the manifest, falling back to re-walking the HTML.
func (s *Service) loadArtifacts(ctx context.Context, norm *storage.Normalization) ([]parser.Artifact, int, string, error) {
	if raw, err := s.store.Get(ctx, s.canonical, norm.ManifestURI); err == nil {
		var m parser.Manifest
		if err := json.Unmarshal(raw, &m); err == nil && len(m.Artifacts) > 0 {
			return m.Artifacts, m.Stats.TextChars, "manifest", nil
		}
	}

	raw, err := s.store.Get(ctx, s.canonical, norm.CanonicalURI)
	if err != nil {
		return nil, 0, "", fmt.Errorf("load canonical html: %w", err)
	}
	doc, err := parser.ParseHTML(strings.NewReader(string(raw)))
	if err != nil {
		return nil, 0, "", fmt.Errorf("parse canonical html: %w", err)
	}
	artifacts, stats := parser.Walk(doc)
	return artifacts, stats.TextChars, "html", nil
}

// buildBlocks converts artifacts to blocks with monotonically increasing
// flat-text spans.
func buildBlocks(docID string, artifacts []parser.Artifact, source string) []*storage.Block {
	var blocks []*storage.Block
	cursor := 0
	for _, a := range artifacts {
		text := blockText(a)
		if strings.TrimSpace(text) == "" {
			continue
		}
		meta := map[string]any{
			"source":          source,
			"source_block_id": a.ArtifactID,
		}
		if len(a.Headers) > 0 {
			meta["headers"] = a.Headers
		}
		if a.Metadata != nil {
			for _, k := range []string{"rows", "cols", "html"} {
				if v, ok := a.Metadata[k]; ok {
					meta[k] = v
				}
			}
		}
		b := &storage.Block{
			BlockID:   uuid.NewString(),
			DocID:     docID,
			Page:      a.PageIdx,
			SpanStart: cursor,
			SpanEnd:   cursor + len(text),
			Type:      mapType(a.Type),
			Text:      text,
			Meta:      meta,
		}
		cursor = b.SpanEnd + spanGap
		blocks = append(blocks, b)
	}
	return blocks
}

// blockText picks the best text rendition for an artifact. Tables prefer
// markdown, then a conversion of the stored HTML, then the pipe-joined rows.
func blockText(a parser.Artifact) string {
	if a.Type != parser.TypeTable {
		return a.Text
	}
	if md, ok := a.Metadata["table_markdown"].(string); ok && strings.TrimSpace(md) != "" {
		return md
	}
	if rawHTML, ok := a.Metadata["html"].(string); ok && strings.TrimSpace(rawHTML) != "" {
		if md, err := htmltomarkdown.ConvertString(rawHTML); err == nil && strings.TrimSpace(md) != "" {
			return strings.TrimSpace(md)
		}
	}
	return a.Text
}

func mapType(artifactType string) string {
	switch artifactType {
	case parser.TypeText, parser.TypeParagraph:
		return "paragraph"
	case parser.TypeHeader, parser.TypeList, parser.TypeTable, parser.TypeCode, parser.TypeImage:
		return artifactType
	}
	return "paragraph"
}

// stripRepeatedLines removes page header/footer lines that repeat on at least
// max(3, 20% of pages) pages.
func stripRepeatedLines(artifacts []parser.Artifact, pageCount int) []parser.Artifact {
	if pageCount < 3 {
		return artifacts
	}
	threshold := pageCount / 5
	if threshold < 3 {
		threshold = 3
	}

	// count distinct pages each normalized line appears on
	linePages := make(map[string]map[int]struct{})
	for _, a := range artifacts {
		if a.Type == parser.TypeTable {
			continue
		}
		for _, line := range strings.Split(a.Text, "\n") {
			key := strings.ToLower(strings.TrimSpace(line))
			if key == "" || len(key) > 120 {
				continue
			}
			if linePages[key] == nil {
				linePages[key] = make(map[int]struct{})
			}
			linePages[key][a.PageIdx] = struct{}{}
		}
	}

	repeated := make(map[string]struct{})
	for line, pages := range linePages {
		if len(pages) >= threshold {
			repeated[line] = struct{}{}
		}
	}
	if len(repeated) == 0 {
		return artifacts
	}

	out := artifacts[:0]
	for _, a := range artifacts {
		if a.Type != parser.TypeTable {
			var kept []string
			for _, line := range strings.Split(a.Text, "\n") {
				if _, ok := repeated[strings.ToLower(strings.TrimSpace(line))]; ok {
					continue
				}
				kept = append(kept, line)
			}
			a.Text = strings.Join(kept, "\n")
		}
		if strings.TrimSpace(a.Text) != "" || a.Type == parser.TypeImage {
			out = append(out, a)
		}
	}
	return out
}

// persistAnchors stores the block -> artifact anchor map next to the
// canonical rendition so the UI can scroll to a block's source.
func (s *Service) persistAnchors(ctx context.Context, docID string, blocks []*storage.Block) error {
	anchors := make(map[string]string, len(blocks))
	for _, b := range blocks {
		if src, ok := b.Meta["source_block_id"].(string); ok && src != "" {
			anchors[b.BlockID] = "a-" + src
		}
	}
	data, err := json.Marshal(anchors)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, s.canonical, docID+"/v1/anchors.json", data, "application/json")
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
		Stage:     "EXTRACT",
		Status:    status,
		LatencyMS: &latency,
		Details:   details,
		TraceID:   observability.TraceIDFromContext(ctx),
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn().Err(err).Msg("event append failed")
	}
}
