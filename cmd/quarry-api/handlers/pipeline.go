package handlers

import (
	"net/http"

	"github.com/quarryhq/quarry/internal/jobs"
)

// PipelineIngestIndex handles POST /pipeline/ingest_index: ingest the batch
// and run the full pipeline inline per document.
func (h *Handlers) PipelineIngestIndex(w http.ResponseWriter, r *http.Request) {
	results, ok := h.ingestMultipart(w, r)
	if !ok {
		return
	}
	items := h.enrichResults(r.Context(), tenantID(r), results)
	docResults := h.eng.Pipeline.ProcessBatch(r.Context(), ingestedDocIDs(items), nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"ingested": items,
		"results":  docResults,
	})
}

// PipelineIngestAnswer handles POST /pipeline/ingest_answer: ingest,
// pipeline, then answer the question restricted to the new documents.
func (h *Handlers) PipelineIngestAnswer(w http.ResponseWriter, r *http.Request) {
	results, ok := h.ingestMultipart(w, r)
	if !ok {
		return
	}
	q := r.FormValue("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	k := intFormValue(r, "k", 8)

	items := h.enrichResults(r.Context(), tenantID(r), results)
	docIDs := ingestedDocIDs(items)
	docResults := h.eng.Pipeline.ProcessBatch(r.Context(), docIDs, nil)

	ans, err := h.eng.Generate.AskWithin(r.Context(), tenantID(r), q, k, docIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ingested": items,
		"results":  docResults,
		"answer":   ans,
	})
}

// PipelineIngestJob handles POST /pipeline/ingest_job: ingest the batch and
// queue the pipeline for the background worker. Returns 202.
func (h *Handlers) PipelineIngestJob(w http.ResponseWriter, r *http.Request) {
	results, ok := h.ingestMultipart(w, r)
	if !ok {
		return
	}
	items := h.enrichResults(r.Context(), tenantID(r), results)
	docIDs := ingestedDocIDs(items)
	if len(docIDs) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"accepted": false,
			"ingested": items,
		})
		return
	}

	jobID, err := jobs.EnqueuePipeline(r.Context(), h.eng.JobQueue, tenantID(r), docIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   jobID,
		"accepted": true,
		"doc_ids":  docIDs,
		"ingested": items,
	})
}

// Job handles GET /jobs/{job_id}.
func (h *Handlers) Job(w http.ResponseWriter, r *http.Request) {
	job, err := h.eng.JobQueue.Get(r.Context(), jobIDParam(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
