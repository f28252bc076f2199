package embed

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
	"github.com/quarryhq/quarry/internal/vectorindex"
)

// DefaultBatchSize is the number of chunks embedded per engine call.
const DefaultBatchSize = 500

// Service embeds chunks into the vector index, re-embedding only chunks whose
// checksum changed since the last run and removing points for chunks that no
// longer exist.
type Service struct {
	index     vectorindex.Index
	engine    Embedder
	batchSize int
	log       *observability.Logger
}

// NewService creates an embedding service.
func NewService(index vectorindex.Index, engine Embedder, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Service{
		index:     index,
		engine:    engine,
		batchSize: DefaultBatchSize,
		log:       log.WithComponent("embed"),
	}
}

// Result summarizes one embedding run over a document.
type Result struct {
	Total    int `json:"total"`
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
	Deleted  int `json:"deleted"`
}

// EmbedDocument upserts vectors for the document's current chunks. Chunks whose
// checksum matches an existing point are skipped; points with no surviving
// chunk are deleted.
func (s *Service) EmbedDocument(ctx context.Context, doc *storage.Document, chunks []storage.Chunk) (*Result, error) {
	if err := s.index.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	existing, err := s.index.ExistingChecksums(ctx, doc.DocID)
	if err != nil {
		return nil, fmt.Errorf("list existing checksums: %w", err)
	}

	res := &Result{Total: len(chunks)}
	var needed []storage.Chunk
	current := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		current[c.ChunkID] = struct{}{}
		if existing[c.ChunkID] == c.Checksum {
			res.Skipped++
			continue
		}
		needed = append(needed, c)
	}

	var stale []string
	for id := range existing {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.index.DeletePoints(ctx, stale); err != nil {
			return nil, fmt.Errorf("delete stale points: %w", err)
		}
		res.Deleted = len(stale)
	}

	for start := 0; start < len(needed); start += s.batchSize {
		end := start + s.batchSize
		if end > len(needed) {
			end = len(needed)
		}
		if err := s.embedBatch(ctx, doc, needed[start:end]); err != nil {
			return nil, err
		}
		res.Embedded += end - start
	}

	s.log.WithDoc(doc.DocID).Info().
		Int("total", res.Total).
		Int("embedded", res.Embedded).
		Int("skipped", res.Skipped).
		Int("deleted", res.Deleted).
		Msg("document embedded")
	return res, nil
}

func (s *Service) embedBatch(ctx context.Context, doc *storage.Document, chunks []storage.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = BuildEmbedText(c)
	}
	vectors, err := s.engine.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embed batch: got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	points := make([]vectorindex.Point, len(chunks))
	for i, c := range chunks {
		if len(vectors[i]) != s.engine.Dimension() {
			return fmt.Errorf("chunk %s: %w", c.ChunkID, vectorindex.ErrDimensionMismatch)
		}
		points[i] = vectorindex.Point{
			ID:     c.ChunkID,
			Vector: vectors[i],
			Payload: vectorindex.Payload{
				TenantID:       doc.TenantID,
				DocID:          c.DocID,
				ChunkID:        c.ChunkID,
				PlanID:         c.PlanID,
				PageStart:      c.PageStart,
				PageEnd:        c.PageEnd,
				SpanStart:      c.SpanStart,
				SpanEnd:        c.SpanEnd,
				Types:          metaStrings(c.Meta, "types"),
				SourceBlockIDs: metaStrings(c.Meta, "source_block_ids"),
				ContextHeaders: metaStrings(c.Meta, "context_headers"),
				URI:            doc.URI,
				MIME:           doc.MIME,
				Checksum:       c.Checksum,
				Model:          s.engine.Model(),
			},
		}
	}
	return s.index.Upsert(ctx, points)
}

// BuildEmbedText prepends structural hints to a chunk's text before embedding.
// Tables get a shape tag, lists a list tag, and the header path is joined with
// slashes so headings contribute to the vector.
func BuildEmbedText(c storage.Chunk) string {
	types := metaStrings(c.Meta, "types")
	var head []string
	switch {
	case containsString(types, "table"):
		head = append(head, fmt.Sprintf("[table rows=%d cols=%d]",
			metaInt(c.Meta, "table_rows"), metaInt(c.Meta, "table_cols")))
	case containsString(types, "list"):
		head = append(head, "[list]")
	}
	if headers := metaStrings(c.Meta, "context_headers"); len(headers) > 0 {
		head = append(head, strings.Join(headers, " / "))
	}
	if len(head) == 0 {
		return c.Text
	}
	return strings.Join(head, "\n") + "\n\n" + c.Text
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// metaStrings reads a string slice from chunk meta, tolerating the []any shape
// that comes back from jsonb columns.
func metaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func metaInt(meta map[string]any, key string) int {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
