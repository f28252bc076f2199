package handlers

import (
	"net/http"
	"time"

	"github.com/quarryhq/quarry/internal/objectstore"
	"github.com/quarryhq/quarry/internal/storage"
)

const linkTTL = 15 * time.Minute

var stateRank = map[string]int{
	storage.StateStored:     0,
	storage.StateNormalized: 1,
	storage.StateExtracted:  2,
	storage.StateChunked:    3,
	storage.StateIndexed:    4,
}

// UIDocs handles GET /ui/docs.
func (h *Handlers) UIDocs(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100)
	offset := intQuery(r, "offset", 0)
	docs, err := h.eng.Docs.ListByTenant(r.Context(), tenantID(r), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": docs, "count": len(docs)})
}

// UIDeleteDoc handles DELETE /ui/docs/{doc_id}: soft delete plus index and
// cache eviction. The raw blob stays; other tenants may share it.
func (h *Handlers) UIDeleteDoc(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.tenantDoc(w, r)
	if !ok {
		return
	}
	if err := h.eng.Docs.SetState(r.Context(), doc.DocID, storage.StateDeleted); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.eng.Index.DeleteByDoc(r.Context(), doc.DocID); err != nil {
		h.log.Warn().Err(err).Str("doc_id", doc.DocID).Msg("vector delete failed")
	}
	h.eng.Retrieval.InvalidateDoc(doc.DocID)
	writeJSON(w, http.StatusOK, map[string]any{"doc_id": doc.DocID, "state": storage.StateDeleted})
}

// UILink handles GET /ui/link/{doc_id}?variant=original|canonical: a
// short-lived presigned URL for the raw upload or the canonical rendition.
func (h *Handlers) UILink(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.tenantDoc(w, r)
	if !ok {
		return
	}
	variant := r.URL.Query().Get("variant")
	if variant == "" {
		variant = "original"
	}

	var bucket, key string
	switch variant {
	case "original":
		bucket = h.eng.Cfg.ObjectStore.Bucket
		key = objectstore.KeyForSHA256(doc.SHA256)
	case "canonical":
		if stateRank[doc.State] < stateRank[storage.StateNormalized] {
			writeError(w, http.StatusConflict, "document not normalized yet")
			return
		}
		bucket = h.eng.Cfg.ObjectStore.CanonicalBucket
		key = objectstore.CanonicalHTMLKey(doc.DocID)
	default:
		writeError(w, http.StatusBadRequest, "variant must be original or canonical")
		return
	}

	url, err := h.eng.Blobs.PresignGet(r.Context(), bucket, key, linkTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id":     doc.DocID,
		"variant":    variant,
		"url":        url,
		"expires_in": int(linkTTL.Seconds()),
	})
}

// UIOpen handles GET /ui/open/{doc_id}: streams the document same-origin so
// the viewer can frame it. Serves the canonical rendition when it exists.
func (h *Handlers) UIOpen(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.tenantDoc(w, r)
	if !ok {
		return
	}

	bucket := h.eng.Cfg.ObjectStore.Bucket
	key := objectstore.KeyForSHA256(doc.SHA256)
	contentType := doc.MIME
	if stateRank[doc.State] >= stateRank[storage.StateNormalized] {
		bucket = h.eng.Cfg.ObjectStore.CanonicalBucket
		key = objectstore.CanonicalHTMLKey(doc.DocID)
		contentType = "text/html; charset=utf-8"
	}

	data, err := h.eng.Blobs.Get(r.Context(), bucket, key)
	if err != nil {
		writeError(w, http.StatusNotFound, "content unavailable")
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'self'")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// UIStatus handles GET /ui/status/{doc_id}.
func (h *Handlers) UIStatus(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.tenantDoc(w, r)
	if !ok {
		return
	}
	rank := stateRank[doc.State]
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id":     doc.DocID,
		"state":      doc.State,
		"normalized": rank >= stateRank[storage.StateNormalized],
		"extracted":  rank >= stateRank[storage.StateExtracted],
		"chunked":    rank >= stateRank[storage.StateChunked],
		"embedded":   rank >= stateRank[storage.StateIndexed],
	})
}

// tenantDoc loads the {doc_id} document and hides other tenants' documents.
func (h *Handlers) tenantDoc(w http.ResponseWriter, r *http.Request) (*storage.Document, bool) {
	ids := docIDsParam(r)
	if len(ids) != 1 {
		writeError(w, http.StatusBadRequest, "doc_id is required")
		return nil, false
	}
	doc, err := h.eng.Docs.GetByID(r.Context(), ids[0])
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	if doc.TenantID != tenantID(r) {
		writeError(w, http.StatusNotFound, "not_found")
		return nil, false
	}
	return doc, true
}
