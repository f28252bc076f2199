package structured

import (
	"context"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
)

// DocumentStore is the document persistence the structured stage needs.
type DocumentStore interface {
	GetByID(ctx context.Context, docID string) (*storage.Document, error)
}

// BlockStore reads extracted blocks.
type BlockStore interface {
	ListByDoc(ctx context.Context, docID string) ([]*storage.Block, error)
}

// Store persists extracted invoices and contracts.
type Store interface {
	UpsertInvoice(ctx context.Context, inv *storage.Invoice, items []*storage.InvoiceLineItem) error
	UpsertContract(ctx context.Context, c *storage.Contract) error
}

// EventStore records pipeline events.
type EventStore interface {
	Append(ctx context.Context, e *storage.Event) error
}

// Service classifies a document and extracts its structured entity.
type Service struct {
	docs       DocumentStore
	blocks     BlockStore
	structured Store
	events     EventStore
	log        *observability.Logger
}

// NewService creates a structured-extraction service.
func NewService(docs DocumentStore, blocks BlockStore, structured Store, events EventStore, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Service{docs: docs, blocks: blocks, structured: structured, events: events, log: log.WithComponent("structured")}
}

// Run detects the document kind and upserts the matching structured record.
// Returns the detected kind; documents that are neither invoice nor contract
// are a no-op, not an error.
func (s *Service) Run(ctx context.Context, docID string) (string, error) {
	started := time.Now()
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return KindNone, fmt.Errorf("load document: %w", err)
	}
	blocks, err := s.blocks.ListByDoc(ctx, docID)
	if err != nil {
		return KindNone, s.fail(ctx, doc, started, fmt.Errorf("list blocks: %w", err))
	}

	kind := DetectKind(blocks)
	details := map[string]any{"kind": kind}
	switch kind {
	case KindInvoice:
		inv, items := ExtractInvoice(docID, blocks)
		if err := s.structured.UpsertInvoice(ctx, inv, items); err != nil {
			return kind, s.fail(ctx, doc, started, fmt.Errorf("upsert invoice: %w", err))
		}
		details["invoice_number"] = inv.InvoiceNumber
		details["line_items"] = len(items)
		details["has_total"] = inv.Total != nil
	case KindContract:
		c := ExtractContract(docID, blocks)
		if err := s.structured.UpsertContract(ctx, c); err != nil {
			return kind, s.fail(ctx, doc, started, fmt.Errorf("upsert contract: %w", err))
		}
		details["has_parties"] = c.PartyA != ""
	default:
		s.log.Debug().Str("doc_id", docID).Msg("no structured entity detected")
	}

	s.emit(ctx, doc, storage.StatusOK, started, details)
	return kind, nil
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
		Stage:     "STRUCTURED",
		Status:    status,
		LatencyMS: &latency,
		Details:   details,
		TraceID:   observability.TraceIDFromContext(ctx),
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn().Err(err).Msg("event append failed")
	}
}
