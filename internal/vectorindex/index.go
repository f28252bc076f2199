// Package vectorindex provides the chunk embedding index over Qdrant, with an
// in-memory implementation for tests.
package vectorindex

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrUnavailable       = errors.New("vector index unavailable")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Point is one embedded chunk in the index. The point ID is the chunk ID.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Payload is the metadata stored alongside each vector.
type Payload struct {
	TenantID       string   `json:"tenant_id"`
	DocID          string   `json:"doc_id"`
	ChunkID        string   `json:"chunk_id"`
	PlanID         string   `json:"plan_id"`
	PageStart      int      `json:"page_start"`
	PageEnd        int      `json:"page_end"`
	SpanStart      int      `json:"span_start"`
	SpanEnd        int      `json:"span_end"`
	Types          []string `json:"types,omitempty"`
	SourceBlockIDs []string `json:"source_block_ids,omitempty"`
	ContextHeaders []string `json:"context_headers,omitempty"`
	URI            string   `json:"uri,omitempty"`
	MIME           string   `json:"mime,omitempty"`
	Checksum       string   `json:"checksum"`
	Model          string   `json:"model,omitempty"`
}

// Filter narrows a search to a tenant and optionally documents, MIME, or
// block types.
type Filter struct {
	TenantID string
	DocIDs   []string
	MIME     string
	Types    []string
}

// Hit is one scored search result.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Index is the vector index interface used by embedding and retrieval.
type Index interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]Hit, error)
	// ExistingChecksums returns chunk_id -> checksum for every point of a document.
	ExistingChecksums(ctx context.Context, docID string) (map[string]string, error)
	DeletePoints(ctx context.Context, ids []string) error
	DeleteByDoc(ctx context.Context, docID string) error
	DeleteByTenant(ctx context.Context, tenantID string) error
	Count(ctx context.Context) (uint64, error)
	Ping(ctx context.Context) error
	Close() error
}
