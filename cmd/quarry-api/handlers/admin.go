package handlers

import (
	"net/http"
	"time"

	"github.com/quarryhq/quarry/internal/objectstore"
	"github.com/quarryhq/quarry/internal/storage"
)

var pipelineTimingKeys = []string{
	"normalize_ms", "extract_ms", "chunk_ms", "graph_ms", "embed_ms", "structured_ms",
}

// AdminReset handles POST /admin/reset: wipes the calling tenant. Requires an
// explicit {"confirm": true} body.
func (h *Handlers) AdminReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Confirm {
		writeError(w, http.StatusBadRequest, "confirm must be true")
		return
	}

	ctx := r.Context()
	tenant := tenantID(r)
	refs, err := h.eng.Admin.ListTenantRefs(ctx, tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	removed, err := h.eng.Admin.ResetTenant(ctx, tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.eng.Index.DeleteByTenant(ctx, tenant); err != nil {
		h.log.Warn().Err(err).Str("tenant_id", tenant).Msg("vector reset failed")
	}

	blobsRemoved := 0
	seen := map[string]bool{}
	for _, ref := range refs {
		if err := h.eng.Blobs.RemovePrefix(ctx, h.eng.Cfg.ObjectStore.CanonicalBucket, ref.DocID+"/"); err != nil {
			h.log.Debug().Err(err).Str("doc_id", ref.DocID).Msg("canonical cleanup failed")
		}
		if seen[ref.SHA256] {
			continue
		}
		seen[ref.SHA256] = true
		// raw blobs are shared; remove only when no document references remain
		if n, err := h.eng.Docs.BlobRefCount(ctx, ref.SHA256); err == nil && n == 0 {
			if err := h.eng.Blobs.Remove(ctx, h.eng.Cfg.ObjectStore.Bucket, objectstore.KeyForSHA256(ref.SHA256)); err == nil {
				blobsRemoved++
			}
		}
	}

	jobsRemoved, err := h.eng.JobQueue.DeleteAll(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("job queue reset failed")
	}
	if err := h.eng.Cache.DeleteByPrefix(ctx, ""); err != nil {
		h.log.Debug().Err(err).Msg("cache flush failed")
	}

	h.log.Info().Str("tenant_id", tenant).Int64("docs", removed).Msg("tenant reset")
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":     tenant,
		"docs_removed":  removed,
		"blobs_removed": blobsRemoved,
		"jobs_removed":  jobsRemoved,
	})
}

// MetricsPipelineSummary handles GET /metrics/pipeline_summary?limit=N:
// per-stage averages over the last N pipeline runs plus a 24h event rollup.
func (h *Handlers) MetricsPipelineSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantID(r)
	limit := intQuery(r, "limit", 20)

	events, err := h.eng.Events.ListByStage(ctx, tenant, "PIPELINE", limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sums := map[string]float64{}
	counts := map[string]int{}
	okRuns, failedRuns := 0, 0
	for _, e := range events {
		if e.Status == storage.StatusOK {
			okRuns++
		} else {
			failedRuns++
		}
		for _, key := range pipelineTimingKeys {
			if v, ok := asFloat(e.Details[key]); ok {
				sums[key] += v
				counts[key]++
			}
		}
	}
	averages := map[string]float64{}
	for key, sum := range sums {
		averages[key] = sum / float64(counts[key])
	}

	rollup, err := h.eng.Events.PipelineSummary(ctx, tenant, time.Now().Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":        len(events),
		"ok":          okRuns,
		"failed":      failedRuns,
		"avg_ms":      averages,
		"rollup_24h":  rollup,
		"sample_size": limit,
	})
}

// Feedback handles POST /feedback: records an answer rating as an event.
func (h *Handlers) Feedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Q       string `json:"q"`
		DocID   string `json:"doc_id,omitempty"`
		Rating  int    `json:"rating"`
		Comment string `json:"comment,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Rating < -1 || req.Rating > 1 {
		writeError(w, http.StatusBadRequest, "rating must be -1, 0, or 1")
		return
	}

	e := &storage.Event{
		TenantID: tenantID(r),
		Stage:    "FEEDBACK",
		Status:   storage.StatusOK,
		Details: map[string]any{
			"q":       req.Q,
			"rating":  req.Rating,
			"comment": req.Comment,
		},
	}
	if req.DocID != "" {
		e.DocID = &req.DocID
	}
	if err := h.eng.Events.Append(r.Context(), e); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
