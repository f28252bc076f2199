package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
)

// DocumentStore is the document persistence the graph stage needs.
type DocumentStore interface {
	GetByID(ctx context.Context, docID string) (*storage.Document, error)
	SetPipelineVersion(ctx context.Context, docID, stage, version string) error
}

// BlockStore reads extracted blocks.
type BlockStore interface {
	ListByDoc(ctx context.Context, docID string) ([]*storage.Block, error)
}

// GraphStore persists graphs atomically.
type GraphStore interface {
	Replace(ctx context.Context, docID string, nodes []*storage.GraphNode, edges []*storage.GraphEdge) error
}

// EventStore records pipeline events.
type EventStore interface {
	Append(ctx context.Context, e *storage.Event) error
}

// Service rebuilds a document's structural graph.
type Service struct {
	docs   DocumentStore
	blocks BlockStore
	graphs GraphStore
	events EventStore
	log    *observability.Logger
}

// NewService creates a graph service.
func NewService(docs DocumentStore, blocks BlockStore, graphs GraphStore, events EventStore, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Service{docs: docs, blocks: blocks, graphs: graphs, events: events, log: log.WithComponent("graph")}
}

// Run rebuilds the graph for one document, replacing any prior graph.
func (s *Service) Run(ctx context.Context, docID string) (int, int, error) {
	started := time.Now()
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return 0, 0, fmt.Errorf("load document: %w", err)
	}
	blocks, err := s.blocks.ListByDoc(ctx, docID)
	if err != nil {
		return 0, 0, s.fail(ctx, doc, started, fmt.Errorf("list blocks: %w", err))
	}

	nodes, edges := Build(docID, blocks)
	if err := s.graphs.Replace(ctx, docID, nodes, edges); err != nil {
		return 0, 0, s.fail(ctx, doc, started, fmt.Errorf("replace graph: %w", err))
	}
	if err := s.docs.SetPipelineVersion(ctx, docID, "graph", "1"); err != nil {
		return 0, 0, s.fail(ctx, doc, started, fmt.Errorf("set pipeline version: %w", err))
	}

	s.emit(ctx, doc, storage.StatusOK, started, map[string]any{
		"nodes": len(nodes),
		"edges": len(edges),
	})
	return len(nodes), len(edges), nil
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
		Stage:     "GRAPH",
		Status:    status,
		LatencyMS: &latency,
		Details:   details,
		TraceID:   observability.TraceIDFromContext(ctx),
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn().Err(err).Msg("event append failed")
	}
}
