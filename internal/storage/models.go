// Package storage provides database models and repositories for Quarry.
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// Document lifecycle states.
const (
	StateStored     = "STORED"
	StateNormalized = "NORMALIZED"
	StateExtracted  = "EXTRACTED"
	StateChunked    = "CHUNKED"
	StateIndexed    = "INDEXED"
	StateDeleted    = "DELETED"
	StateFailed     = "FAILED"
)

// Event statuses.
const (
	StatusOK   = "OK"
	StatusInfo = "INFO"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

// Job statuses.
const (
	JobPending = "PENDING"
	JobRunning = "RUNNING"
	JobDone    = "DONE"
	JobError   = "ERROR"
)

// Document is a tenant-scoped ingested file tracked through the pipeline.
type Document struct {
	DocID            string            `json:"doc_id"`
	TenantID         string            `json:"tenant_id"`
	SHA256           string            `json:"sha256"`
	URI              string            `json:"uri"`
	MIME             string            `json:"mime"`
	SizeBytes        int64             `json:"size_bytes"`
	State            string            `json:"state"`
	CollectedAt      time.Time         `json:"collected_at"`
	NormalizedAt     *time.Time        `json:"normalized_at,omitempty"`
	ExtractedAt      *time.Time        `json:"extracted_at,omitempty"`
	PipelineVersions map[string]string `json:"pipeline_versions,omitempty"`
	Meta             map[string]any    `json:"meta,omitempty"`
}

// Blob is a content-addressed raw file shared across tenants.
type Blob struct {
	SHA256   string `json:"sha256"`
	Location string `json:"location"`
	CRC32    int64  `json:"crc32"`
}

// Normalization records the canonical rendition of a document.
type Normalization struct {
	DocID        string    `json:"doc_id"`
	CanonicalURI string    `json:"canonical_uri"`
	ToolName     string    `json:"tool_name"`
	ToolVersion  string    `json:"tool_version"`
	ManifestURI  string    `json:"manifest_uri"`
	PageCount    int       `json:"page_count"`
	OCRPages     int       `json:"ocr_pages"`
	Warnings     []string  `json:"warnings,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Block is a typed structural element extracted from the canonical rendition.
type Block struct {
	BlockID   string         `json:"block_id"`
	DocID     string         `json:"doc_id"`
	Page      int            `json:"page"`
	SpanStart int            `json:"span_start"`
	SpanEnd   int            `json:"span_end"`
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ChunkPlan describes one chunking run over a document.
type ChunkPlan struct {
	PlanID     string         `json:"plan_id"`
	DocID      string         `json:"doc_id"`
	Strategy   string         `json:"strategy"`
	Params     map[string]any `json:"params,omitempty"`
	PageSpan   []int          `json:"page_span,omitempty"`
	BlockCount int            `json:"block_count"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Chunk is a retrieval unit produced by a chunk plan.
type Chunk struct {
	ChunkID   string         `json:"chunk_id"`
	PlanID    string         `json:"plan_id"`
	DocID     string         `json:"doc_id"`
	SpanStart int            `json:"span_start"`
	SpanEnd   int            `json:"span_end"`
	PageStart int            `json:"page_start"`
	PageEnd   int            `json:"page_end"`
	Text      string         `json:"text"`
	Meta      map[string]any `json:"meta,omitempty"`
	Checksum  string         `json:"checksum"`
}

// GraphNode is a node in a document's structural knowledge graph.
type GraphNode struct {
	NodeID string         `json:"node_id"`
	DocID  string         `json:"doc_id"`
	Type   string         `json:"type"`
	Label  string         `json:"label"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// GraphEdge is a typed edge between two graph nodes of the same document.
type GraphEdge struct {
	EdgeID  string         `json:"edge_id"`
	DocID   string         `json:"doc_id"`
	Src     string         `json:"src"`
	Dst     string         `json:"dst"`
	RelType string         `json:"rel_type"`
	Weight  float64        `json:"weight"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Event is an append-only audit record for a pipeline stage.
type Event struct {
	EventID   string         `json:"event_id"`
	TenantID  string         `json:"tenant_id"`
	DocID     *string        `json:"doc_id,omitempty"`
	Stage     string         `json:"stage"`
	Status    string         `json:"status"`
	Attempt   int            `json:"attempt"`
	TS        time.Time      `json:"ts"`
	LatencyMS *float64       `json:"latency_ms,omitempty"`
	CostCents *float64       `json:"cost_cents,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
}

// Job is a queued background task.
type Job struct {
	JobID     string         `json:"job_id"`
	JobType   string         `json:"job_type"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	Progress  float64        `json:"progress"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Invoice holds structured fields extracted from an invoice document.
// InvoiceID equals the source doc_id.
type Invoice struct {
	InvoiceID     string         `json:"invoice_id"`
	Vendor        string         `json:"vendor,omitempty"`
	InvoiceNumber string         `json:"invoice_number,omitempty"`
	InvoiceDate   *time.Time     `json:"invoice_date,omitempty"`
	DueDate       *time.Time     `json:"due_date,omitempty"`
	Total         *float64       `json:"total,omitempty"`
	Currency      string         `json:"currency,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// InvoiceLineItem is one row of an invoice's line item table.
type InvoiceLineItem struct {
	ID          string         `json:"id"`
	InvoiceID   string         `json:"invoice_id"`
	Description string         `json:"description,omitempty"`
	Qty         *float64       `json:"qty,omitempty"`
	UnitPrice   *float64       `json:"unit_price,omitempty"`
	Amount      *float64       `json:"amount,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Contract holds structured fields extracted from a contract document.
// ContractID equals the source doc_id.
type Contract struct {
	ContractID    string         `json:"contract_id"`
	PartyA        string         `json:"party_a,omitempty"`
	PartyB        string         `json:"party_b,omitempty"`
	EffectiveDate *time.Time     `json:"effective_date,omitempty"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	RenewalDate   *time.Time     `json:"renewal_date,omitempty"`
	GoverningLaw  string         `json:"governing_law,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// KeywordHit is one row from the full-text keyword search leg.
type KeywordHit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
