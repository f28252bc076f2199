// Package normalize produces a document's canonical rendition: parsed,
// sanitized, anchor-annotated HTML plus the artifact manifest, both persisted
// to the canonical bucket.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/objectstore"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/parser"
	"github.com/quarryhq/quarry/internal/storage"
)

const lowTextCoverageChars = 200

// DocumentStore is the document persistence normalization needs.
type DocumentStore interface {
	GetByID(ctx context.Context, docID string) (*storage.Document, error)
	GetBlob(ctx context.Context, sha256 string) (*storage.Blob, error)
	UpsertNormalization(ctx context.Context, n *storage.Normalization) error
	SetState(ctx context.Context, docID, state string) error
	SetPipelineVersion(ctx context.Context, docID, stage, version string) error
}

// EventStore records pipeline events.
type EventStore interface {
	Append(ctx context.Context, e *storage.Event) error
}

// Service normalizes stored documents.
type Service struct {
	docs      DocumentStore
	events    EventStore
	store     objectstore.Store
	rawBucket string
	canonical string
	parsers   *parser.Manager
	parseOpts parser.Options
	log       *observability.Logger
}

// NewService creates a normalization service.
func NewService(docs DocumentStore, events EventStore, store objectstore.Store, storeCfg config.ObjectStoreConfig, parsers *parser.Manager, parserCfg config.ParserConfig, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Service{
		docs:      docs,
		events:    events,
		store:     store,
		rawBucket: storeCfg.Bucket,
		canonical: storeCfg.CanonicalBucket,
		parsers:   parsers,
		parseOpts: parser.Options{Method: parserCfg.Method},
		log:       log.WithComponent("normalize"),
	}
}

// Run normalizes one document and transitions it to NORMALIZED.
func (s *Service) Run(ctx context.Context, docID string) (*storage.Normalization, error) {
	started := time.Now()
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	blob, err := s.docs.GetBlob(ctx, doc.SHA256)
	if err != nil {
		return nil, s.fail(ctx, doc, started, fmt.Errorf("load blob: %w", err))
	}

	tmpPath, err := s.store.FetchToTemp(ctx, s.rawBucket, blob.Location)
	if err != nil {
		return nil, s.fail(ctx, doc, started, fmt.Errorf("fetch blob: %w", err))
	}
	defer os.Remove(tmpPath)

	manifest, err := s.parsers.Parse(ctx, tmpPath, doc.MIME, s.parseOpts)
	if err != nil {
		return nil, s.fail(ctx, doc, started, fmt.Errorf("parse: %w", err))
	}

	if err := s.annotate(manifest); err != nil {
		return nil, s.fail(ctx, doc, started, fmt.Errorf("annotate: %w", err))
	}
	s.attachWarnings(manifest)

	norm, err := s.persist(ctx, doc, manifest)
	if err != nil {
		return nil, s.fail(ctx, doc, started, err)
	}

	status := storage.StatusOK
	if len(norm.Warnings) > 0 {
		status = storage.StatusWarn
	}
	s.emit(ctx, doc, "NORMALIZE", status, started, map[string]any{
		"page_count": norm.PageCount,
		"artifacts":  len(manifest.Artifacts),
		"warnings":   norm.Warnings,
	})
	s.log.WithDoc(doc.DocID).Stage("normalize", status, time.Since(started)).Msg("document normalized")
	return norm, nil
}

// annotate re-parses the manifest HTML, sanitizes it, and stamps the anchor
// IDs the UI deep-links to. When the adapter already produced artifacts the
// freshly walked IDs are mapped back onto them positionally.
func (s *Service) annotate(m *parser.Manifest) error {
	doc, err := parser.ParseHTML(strings.NewReader(m.HTML))
	if err != nil {
		return err
	}
	parser.Sanitize(doc)
	walked, stats := parser.Walk(doc)

	switch {
	case len(m.Artifacts) == 0:
		m.Artifacts = walked
		m.Stats = stats
	case len(walked) == len(m.Artifacts):
		for i := range m.Artifacts {
			m.Artifacts[i].ArtifactID = walked[i].ArtifactID
		}
	default:
		m.AddWarning("anchor_mismatch")
	}

	m.HTML = parser.RenderHTML(doc)
	m.FixPageCount()
	return nil
}

func (s *Service) attachWarnings(m *parser.Manifest) {
	if m.OCRPages > 0 {
		m.AddWarning(fmt.Sprintf("ocr_pages:%d", m.OCRPages))
	}
	if len(m.Artifacts) == 0 {
		m.AddWarning("no_artifacts_detected")
	}
	if strings.TrimSpace(m.HTML) == "" {
		m.AddWarning("canonical_empty")
	}
	if m.Stats.TextChars < lowTextCoverageChars {
		m.AddWarning("low_text_coverage")
	}
	if lang := DetectLanguage(sampleText(m)); lang != "" {
		m.AddWarning("lang:" + lang)
	}
}

func (s *Service) persist(ctx context.Context, doc *storage.Document, m *parser.Manifest) (*storage.Normalization, error) {
	htmlKey := objectstore.CanonicalHTMLKey(doc.DocID)
	manifestKey := objectstore.ManifestKey(doc.DocID)
	m.HTMLURI = htmlKey

	if err := s.store.Put(ctx, s.canonical, htmlKey, []byte(m.HTML), "text/html; charset=utf-8"); err != nil {
		return nil, fmt.Errorf("store canonical html: %w", err)
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := s.store.Put(ctx, s.canonical, manifestKey, manifestJSON, "application/json"); err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}

	norm := &storage.Normalization{
		DocID:        doc.DocID,
		CanonicalURI: htmlKey,
		ManifestURI:  manifestKey,
		ToolName:     m.ToolName,
		ToolVersion:  m.ToolVersion,
		PageCount:    m.PageCount,
		OCRPages:     m.OCRPages,
		Warnings:     m.Warnings,
	}
	if err := s.docs.UpsertNormalization(ctx, norm); err != nil {
		return nil, fmt.Errorf("persist normalization: %w", err)
	}
	if err := s.docs.SetState(ctx, doc.DocID, storage.StateNormalized); err != nil {
		return nil, fmt.Errorf("set state: %w", err)
	}
	if err := s.docs.SetPipelineVersion(ctx, doc.DocID, "normalize", m.ToolName+"/"+m.ToolVersion); err != nil {
		return nil, fmt.Errorf("set pipeline version: %w", err)
	}
	return norm, nil
}

func (s *Service) fail(ctx context.Context, doc *storage.Document, started time.Time, err error) error {
	s.emit(ctx, doc, "NORMALIZE", storage.StatusFail, started, map[string]any{"error": err.Error()})
	return err
}

func (s *Service) emit(ctx context.Context, doc *storage.Document, stage, status string, started time.Time, details map[string]any) {
	latency := float64(time.Since(started).Milliseconds())
	e := &storage.Event{
		TenantID:  doc.TenantID,
		DocID:     &doc.DocID,
		Stage:     stage,
		Status:    status,
		LatencyMS: &latency,
		Details:   details,
		TraceID:   observability.TraceIDFromContext(ctx),
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn().Err(err).Msg("event append failed")
	}
}

func sampleText(m *parser.Manifest) string {
	var sb strings.Builder
	for _, a := range m.Artifacts {
		if sb.Len() >= langSampleBytes {
			break
		}
		sb.WriteString(a.Text)
		sb.WriteString(" ")
	}
	return sb.String()
}
