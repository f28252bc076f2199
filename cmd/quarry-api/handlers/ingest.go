package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/quarryhq/quarry/internal/ingest"
	"github.com/quarryhq/quarry/internal/objectstore"
)

const maxUploadMemory = 32 << 20

// ingestItem is the wire shape of one ingestion outcome, enriched with the
// stored document's metadata.
type ingestItem struct {
	TenantID  string   `json:"tenant_id"`
	Filename  string   `json:"filename"`
	DocID     string   `json:"doc_id,omitempty"`
	SHA256    string   `json:"sha256,omitempty"`
	State     string   `json:"state,omitempty"`
	SizeBytes int64    `json:"size_bytes,omitempty"`
	MIME      string   `json:"mime,omitempty"`
	URI       string   `json:"uri,omitempty"`
	MinioKey  string   `json:"minio_key,omitempty"`
	Duplicate bool     `json:"duplicate,omitempty"`
	Rejected  bool     `json:"rejected,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Ingest handles POST /ingest: multipart files with optional source_uri and
// source fields.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	results, ok := h.ingestMultipart(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": h.enrichResults(r.Context(), tenantID(r), results),
	})
}

// IngestURL handles POST /ingest/url.
func (h *Handlers) IngestURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Source string `json:"source"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	res, err := h.eng.Ingest.IngestURL(r.Context(), tenantID(r), req.URL, req.Source)
	if err != nil {
		if errors.Is(err, ingest.ErrForbiddenAddress) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": h.enrichResults(r.Context(), tenantID(r), []ingest.Result{res}),
	})
}

func (h *Handlers) ingestMultipart(w http.ResponseWriter, r *http.Request) ([]ingest.Result, bool) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "multipart form required")
		return nil, false
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return nil, false
	}
	sourceURI := r.FormValue("source_uri")
	source := r.FormValue("source")

	var uploads []ingest.Upload
	var closers []func() error
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable upload: "+fh.Filename)
			return nil, false
		}
		closers = append(closers, f.Close)
		uploads = append(uploads, ingest.Upload{
			Filename:     fh.Filename,
			DeclaredMIME: fh.Header.Get("Content-Type"),
			Reader:       f,
			SourceURI:    sourceURI,
			Source:       source,
		})
	}

	results, err := h.eng.Ingest.IngestBatch(r.Context(), tenantID(r), uploads)
	if err != nil {
		if errors.Is(err, ingest.ErrBatchTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return results, true
}

func (h *Handlers) enrichResults(ctx context.Context, tenant string, results []ingest.Result) []ingestItem {
	items := make([]ingestItem, 0, len(results))
	for _, res := range results {
		item := ingestItem{
			TenantID:  tenant,
			Filename:  res.Filename,
			DocID:     res.DocID,
			SHA256:    res.SHA256,
			State:     res.State,
			Duplicate: res.Duplicate,
			Rejected:  res.Rejected,
			Warnings:  res.Warnings,
			Error:     res.Error,
		}
		if res.SHA256 != "" {
			item.MinioKey = objectstore.KeyForSHA256(res.SHA256)
		}
		if res.DocID != "" {
			if doc, err := h.eng.Docs.GetByID(ctx, res.DocID); err == nil {
				item.SizeBytes = doc.SizeBytes
				item.MIME = doc.MIME
				item.URI = doc.URI
			}
		}
		items = append(items, item)
	}
	return items
}

// ingestedDocIDs collects the non-rejected document IDs from a batch.
func ingestedDocIDs(items []ingestItem) []string {
	var ids []string
	for _, item := range items {
		if item.DocID != "" && item.Error == "" {
			ids = append(ids, item.DocID)
		}
	}
	return ids
}
