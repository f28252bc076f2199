package handlers

import (
	"context"
	"net/http"

	"github.com/quarryhq/quarry/internal/storage"
)

type stageResult struct {
	DocID   string         `json:"doc_id"`
	OK      bool           `json:"ok"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// runStage applies fn to each requested document and collects per-doc results.
func (h *Handlers) runStage(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, docID string) (map[string]any, error)) {
	docIDs := docIDsParam(r)
	if len(docIDs) == 0 {
		writeError(w, http.StatusBadRequest, "doc_id is required")
		return
	}
	results := make([]stageResult, 0, len(docIDs))
	for _, id := range docIDs {
		details, err := fn(r.Context(), id)
		if err != nil {
			results = append(results, stageResult{DocID: id, Error: err.Error()})
			continue
		}
		results = append(results, stageResult{DocID: id, OK: true, Details: details})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Normalize handles POST /normalize/{doc_id}.
func (h *Handlers) Normalize(w http.ResponseWriter, r *http.Request) {
	h.runStage(w, r, func(ctx context.Context, docID string) (map[string]any, error) {
		norm, err := h.eng.Normalize.Run(ctx, docID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"canonical_uri": norm.CanonicalURI,
			"page_count":    norm.PageCount,
			"ocr_pages":     norm.OCRPages,
			"warnings":      norm.Warnings,
		}, nil
	})
}

// Extract handles POST /extract/{doc_id}.
func (h *Handlers) Extract(w http.ResponseWriter, r *http.Request) {
	h.runStage(w, r, func(ctx context.Context, docID string) (map[string]any, error) {
		blocks, err := h.eng.Extract.Run(ctx, docID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"blocks": len(blocks)}, nil
	})
}

// Chunk handles POST /chunk/{doc_id}.
func (h *Handlers) Chunk(w http.ResponseWriter, r *http.Request) {
	h.runStage(w, r, h.chunkDoc)
}

func (h *Handlers) chunkDoc(ctx context.Context, docID string) (map[string]any, error) {
	plan, chunks, err := h.eng.Chunk.Run(ctx, docID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chunks": len(chunks), "plan": plan}, nil
}

// Graph handles POST /graph/{doc_id}.
func (h *Handlers) Graph(w http.ResponseWriter, r *http.Request) {
	h.runStage(w, r, func(ctx context.Context, docID string) (map[string]any, error) {
		nodes, edges, err := h.eng.Graph.Run(ctx, docID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"nodes": nodes, "edges": edges}, nil
	})
}

// Embed handles POST /embed/{doc_id}: embeds the document's stored chunks.
func (h *Handlers) Embed(w http.ResponseWriter, r *http.Request) {
	h.runStage(w, r, h.embedDoc)
}

func (h *Handlers) embedDoc(ctx context.Context, docID string) (map[string]any, error) {
	doc, err := h.eng.Docs.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	stored, err := h.eng.Chunks.ListByDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	chunks := make([]storage.Chunk, 0, len(stored))
	for _, c := range stored {
		chunks = append(chunks, *c)
	}
	res, err := h.eng.Embed.EmbedDocument(ctx, doc, chunks)
	if err != nil {
		return nil, err
	}
	h.eng.Retrieval.InvalidateDoc(docID)
	return map[string]any{
		"total":    res.Total,
		"embedded": res.Embedded,
		"skipped":  res.Skipped,
		"deleted":  res.Deleted,
	}, nil
}

// Index handles POST /index/{doc_id}: chunk then embed.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	h.runStage(w, r, func(ctx context.Context, docID string) (map[string]any, error) {
		chunked, err := h.chunkDoc(ctx, docID)
		if err != nil {
			return nil, err
		}
		embedded, err := h.embedDoc(ctx, docID)
		if err != nil {
			return nil, err
		}
		details := map[string]any{"chunks": chunked["chunks"]}
		for k, v := range embedded {
			details[k] = v
		}
		return details, nil
	})
}

// StructuredIndex handles POST /structured/index/{doc_id}.
func (h *Handlers) StructuredIndex(w http.ResponseWriter, r *http.Request) {
	h.runStage(w, r, func(ctx context.Context, docID string) (map[string]any, error) {
		kind, err := h.eng.Struct.Run(ctx, docID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"kind": kind}, nil
	})
}
