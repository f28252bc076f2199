// Package main provides the API router setup.
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/quarryhq/quarry/cmd/quarry-api/handlers"
	"github.com/quarryhq/quarry/cmd/quarry-api/middleware"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/pkg/engine"
)

// NewRouter creates the main API router with all routes configured.
func NewRouter(eng *engine.Engine, logger *observability.Logger) http.Handler {
	h := handlers.New(eng, logger)
	cfg := eng.Cfg

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.CORSAllowOrigins))
	r.Use(middleware.APIKey(cfg.Auth.APIKey))
	r.Use(middleware.Tenant(cfg.Tenancy.DefaultTenant))
	r.Use(middleware.Trace)

	r.Get("/healthz", h.Healthz)

	// Streaming endpoints stay outside the timeout middleware.
	r.Post("/answer_stream", h.AnswerStream)
	r.Get("/answer_stream", h.AnswerStream)
	r.Get("/ui/open/{doc_id}", h.UIOpen)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(cfg.Server.WriteTimeout))

		// Ingestion
		r.Group(func(r chi.Router) {
			r.Use(middleware.IngestRateLimit(eng.RateLimit))
			r.Post("/ingest", h.Ingest)
			r.Post("/ingest/url", h.IngestURL)
			r.Post("/pipeline/ingest_index", h.PipelineIngestIndex)
			r.Post("/pipeline/ingest_answer", h.PipelineIngestAnswer)
			r.Post("/pipeline/ingest_job", h.PipelineIngestJob)
		})

		// Pipeline stages
		r.Post("/normalize/{doc_id}", h.Normalize)
		r.Post("/extract/{doc_id}", h.Extract)
		r.Post("/chunk/{doc_id}", h.Chunk)
		r.Post("/graph/{doc_id}", h.Graph)
		r.Post("/embed/{doc_id}", h.Embed)
		r.Post("/index/{doc_id}", h.Index)
		r.Post("/structured/index/{doc_id}", h.StructuredIndex)

		// Jobs
		r.Get("/jobs/{job_id}", h.Job)

		// Query
		r.Post("/search", h.Search)
		r.Post("/search/vector", h.SearchVector)
		r.Post("/search/keyword", h.SearchKeyword)
		r.Post("/route", h.Route)
		r.Post("/answer", h.Answer)

		// Viewer
		r.Get("/ui/docs", h.UIDocs)
		r.Delete("/ui/docs/{doc_id}", h.UIDeleteDoc)
		r.Get("/ui/link/{doc_id}", h.UILink)
		r.Get("/ui/status/{doc_id}", h.UIStatus)

		// Operations
		r.Post("/admin/reset", h.AdminReset)
		r.Get("/metrics/pipeline_summary", h.MetricsPipelineSummary)
		r.Post("/feedback", h.Feedback)
	})

	return r
}
