package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
)

// Job types.
const (
	JobPipelineProcessDoc = "pipeline_process_doc"
)

const (
	idleSleep  = 2 * time.Second
	crashSleep = 5 * time.Second
)

// JobStore is the queue surface the worker and orchestrator need.
type JobStore interface {
	Enqueue(ctx context.Context, jobType string, payload map[string]any) (string, error)
	Claim(ctx context.Context) (*storage.Job, error)
	SetProgress(ctx context.Context, jobID string, progress float64) error
	Complete(ctx context.Context, jobID string, result map[string]any) error
	Fail(ctx context.Context, jobID, errMsg string) error
}

// Handler executes one claimed job. progress reports percent complete.
type Handler func(ctx context.Context, job *storage.Job, progress func(float64)) (map[string]any, error)

// Worker drains the jobs table: claim, dispatch, complete or fail.
type Worker struct {
	jobs     JobStore
	handlers map[string]Handler
	idle     time.Duration
	crash    time.Duration
	log      *observability.Logger
}

// NewWorker creates a polling worker.
func NewWorker(jobs JobStore, log *observability.Logger) *Worker {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Worker{
		jobs:     jobs,
		handlers: map[string]Handler{},
		idle:     idleSleep,
		crash:    crashSleep,
		log:      log.WithComponent("worker"),
	}
}

// Register maps a job type to its handler.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run polls until the context is cancelled. Claim errors back off rather
// than crash the worker.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info().Msg("worker stopped")
			return nil
		}
		claimed, err := w.runOne(ctx)
		switch {
		case err != nil:
			w.log.Error().Err(err).Msg("worker loop error")
			if !w.sleep(ctx, w.crash) {
				return nil
			}
		case !claimed:
			if !w.sleep(ctx, w.idle) {
				return nil
			}
		}
	}
}

// runOne claims and dispatches at most one job.
func (w *Worker) runOne(ctx context.Context) (claimed bool, err error) {
	job, err := w.jobs.Claim(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}

	handler, ok := w.handlers[job.JobType]
	if !ok {
		w.log.Error().Str("job_id", job.JobID).Str("job_type", job.JobType).Msg("unknown job type")
		return true, w.jobs.Fail(ctx, job.JobID, "unknown job type: "+job.JobType)
	}

	defer func() {
		if r := recover(); r != nil {
			claimed = true
			err = fmt.Errorf("handler panic: %v", r)
			w.log.Error().Str("job_id", job.JobID).Interface("panic", r).Msg("handler panicked")
			_ = w.jobs.Fail(ctx, job.JobID, err.Error())
		}
	}()

	started := time.Now()
	result, err := handler(ctx, job, func(pct float64) {
		_ = w.jobs.SetProgress(ctx, job.JobID, pct)
	})
	if err != nil {
		w.log.Error().Str("job_id", job.JobID).Err(err).Msg("job failed")
		return true, w.jobs.Fail(ctx, job.JobID, err.Error())
	}
	w.log.Info().Str("job_id", job.JobID).Str("job_type", job.JobType).
		Dur("took", time.Since(started)).Msg("job done")
	return true, w.jobs.Complete(ctx, job.JobID, result)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// EnqueuePipeline queues a pipeline run over the given documents and returns
// the job ID.
func EnqueuePipeline(ctx context.Context, jobs JobStore, tenantID string, docIDs []string) (string, error) {
	ids := make([]any, len(docIDs))
	for i, id := range docIDs {
		ids[i] = id
	}
	return jobs.Enqueue(ctx, JobPipelineProcessDoc, map[string]any{
		"tenant_id": tenantID,
		"doc_ids":   ids,
	})
}

// PipelineHandler adapts a Pipeline to the worker's handler contract.
func PipelineHandler(p *Pipeline) Handler {
	return func(ctx context.Context, job *storage.Job, progress func(float64)) (map[string]any, error) {
		docIDs := payloadStrings(job.Payload, "doc_ids")
		if len(docIDs) == 0 {
			return nil, errors.New("payload has no doc_ids")
		}

		results := p.ProcessBatch(ctx, docIDs, progress)
		failed := 0
		docErrors := map[string]string{}
		out := make([]any, 0, len(results))
		for _, r := range results {
			if r.Error != "" {
				failed++
				docErrors[r.DocID] = r.Error
			}
			out = append(out, r)
		}

		result := map[string]any{
			"results":   out,
			"processed": len(results),
			"failed":    failed,
		}
		if failed > 0 {
			result["errors"] = docErrors
		}
		return result, nil
	}
}

func payloadStrings(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	switch v := payload[key].(type) {
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
