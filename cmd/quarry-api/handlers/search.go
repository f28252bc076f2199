package handlers

import (
	"net/http"
	"time"

	"github.com/quarryhq/quarry/internal/retrieval"
	"github.com/quarryhq/quarry/internal/storage"
)

type searchRequest struct {
	Q       string             `json:"q"`
	K       int                `json:"k"`
	Hybrid  *bool              `json:"hybrid,omitempty"`
	Filters *retrieval.Filters `json:"filters,omitempty"`
}

type searchHit struct {
	ChunkID   string   `json:"chunk_id"`
	DocID     string   `json:"doc_id"`
	PageStart int      `json:"page_start"`
	PageEnd   int      `json:"page_end"`
	Text      string   `json:"text"`
	Types     []string `json:"types,omitempty"`
	Score     float64  `json:"score"`
	Source    string   `json:"source,omitempty"`
	URI       string   `json:"uri,omitempty"`
}

// Search handles POST /search: hybrid by default.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, true, "hybrid")
}

// SearchVector handles POST /search/vector: vector leg only.
func (h *Handlers) SearchVector(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, false, "vector")
}

func (h *Handlers) search(w http.ResponseWriter, r *http.Request, defaultHybrid bool, mode string) {
	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	if req.K <= 0 {
		req.K = 8
	}
	hybrid := defaultHybrid
	if req.Hybrid != nil {
		hybrid = *req.Hybrid
	}

	started := time.Now()
	res, err := h.eng.Retrieval.Search(r.Context(), tenantID(r), req.Q, req.K, hybrid, req.Filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hits := make([]searchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, searchHit{
			ChunkID:   hit.Chunk.ChunkID,
			DocID:     hit.Chunk.DocID,
			PageStart: hit.Chunk.PageStart,
			PageEnd:   hit.Chunk.PageEnd,
			Text:      hit.Chunk.Text,
			Types:     metaTypes(hit.Chunk.Meta),
			Score:     hit.Score,
			Source:    hit.Source,
			URI:       hit.DocURI,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   hits,
		"mode":      mode,
		"warnings":  res.Warnings,
		"timing_ms": time.Since(started).Milliseconds(),
	})
}

// SearchKeyword handles POST /search/keyword: Postgres full-text only.
func (h *Handlers) SearchKeyword(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	if req.K <= 0 {
		req.K = 8
	}

	var filters *storage.KeywordFilters
	if req.Filters != nil {
		filters = &storage.KeywordFilters{
			DocIDs:       req.Filters.DocIDs,
			Types:        req.Filters.Types,
			URILike:      req.Filters.URILike,
			FilenameLike: req.Filters.FilenameLike,
			VendorLike:   req.Filters.VendorLike,
		}
	}

	started := time.Now()
	kwHits, err := h.eng.Chunks.KeywordSearch(r.Context(), tenantID(r), req.Q, req.K, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hits := make([]searchHit, 0, len(kwHits))
	for _, kh := range kwHits {
		hits = append(hits, searchHit{
			ChunkID:   kh.Chunk.ChunkID,
			DocID:     kh.Chunk.DocID,
			PageStart: kh.Chunk.PageStart,
			PageEnd:   kh.Chunk.PageEnd,
			Text:      kh.Chunk.Text,
			Types:     metaTypes(kh.Chunk.Meta),
			Score:     kh.Score,
			Source:    "keyword",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   hits,
		"mode":      "keyword",
		"timing_ms": time.Since(started).Milliseconds(),
	})
}

// Route handles POST /route: returns the query plan without answering.
func (h *Handlers) Route(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	plan := h.eng.Router.Route(r.Context(), req.Q)
	if req.Filters != nil {
		plan.Filters = req.Filters
	}
	writeJSON(w, http.StatusOK, plan)
}

func metaTypes(meta map[string]any) []string {
	if meta == nil {
		return nil
	}
	switch v := meta["types"].(type) {
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
