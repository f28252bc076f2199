package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/storage"
)

type fakeJobStore struct {
	queue    []*storage.Job
	progress []float64
	done     map[string]map[string]any
	failed   map[string]string
}

func newFakeJobStore(jobs ...*storage.Job) *fakeJobStore {
	return &fakeJobStore{
		queue:  jobs,
		done:   map[string]map[string]any{},
		failed: map[string]string{},
	}
}

func (f *fakeJobStore) Enqueue(_ context.Context, jobType string, payload map[string]any) (string, error) {
	id := "job-" + jobType
	f.queue = append(f.queue, &storage.Job{JobID: id, JobType: jobType, Payload: payload})
	return id, nil
}

func (f *fakeJobStore) Claim(_ context.Context) (*storage.Job, error) {
	if len(f.queue) == 0 {
		return nil, storage.ErrNotFound
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	job.Status = storage.JobRunning
	return job, nil
}

func (f *fakeJobStore) SetProgress(_ context.Context, _ string, progress float64) error {
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeJobStore) Complete(_ context.Context, jobID string, result map[string]any) error {
	f.done[jobID] = result
	return nil
}

func (f *fakeJobStore) Fail(_ context.Context, jobID, errMsg string) error {
	f.failed[jobID] = errMsg
	return nil
}

func TestWorkerDispatchesAndCompletes(t *testing.T) {
	store := newFakeJobStore(&storage.Job{JobID: "j1", JobType: "noop"})
	w := NewWorker(store, nil)
	w.Register("noop", func(_ context.Context, job *storage.Job, progress func(float64)) (map[string]any, error) {
		progress(100)
		return map[string]any{"ok": true}, nil
	})

	claimed, err := w.runOne(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, map[string]any{"ok": true}, store.done["j1"])
	assert.Equal(t, []float64{100}, store.progress)
}

func TestWorkerIdleWhenQueueEmpty(t *testing.T) {
	w := NewWorker(newFakeJobStore(), nil)

	claimed, err := w.runOne(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestWorkerFailsUnknownJobType(t *testing.T) {
	store := newFakeJobStore(&storage.Job{JobID: "j1", JobType: "mystery"})
	w := NewWorker(store, nil)

	claimed, err := w.runOne(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Contains(t, store.failed["j1"], "unknown job type")
}

func TestWorkerRecordsHandlerError(t *testing.T) {
	store := newFakeJobStore(&storage.Job{JobID: "j1", JobType: "boom"})
	w := NewWorker(store, nil)
	w.Register("boom", func(_ context.Context, _ *storage.Job, _ func(float64)) (map[string]any, error) {
		return nil, errors.New("stage blew up")
	})

	claimed, err := w.runOne(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "stage blew up", store.failed["j1"])
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	store := newFakeJobStore(&storage.Job{JobID: "j1", JobType: "panic"})
	w := NewWorker(store, nil)
	w.Register("panic", func(_ context.Context, _ *storage.Job, _ func(float64)) (map[string]any, error) {
		panic("unexpected state")
	})

	claimed, err := w.runOne(context.Background())
	assert.True(t, claimed)
	assert.Error(t, err)
	assert.Contains(t, store.failed["j1"], "handler panic")
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker(newFakeJobStore(), nil)
	assert.NoError(t, w.Run(ctx))
}

func TestEnqueuePipelinePayload(t *testing.T) {
	store := newFakeJobStore()

	jobID, err := EnqueuePipeline(context.Background(), store, "t1", []string{"d1", "d2"})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	require.Len(t, store.queue, 1)
	job := store.queue[0]
	assert.Equal(t, JobPipelineProcessDoc, job.JobType)
	assert.Equal(t, "t1", job.Payload["tenant_id"])
	assert.Equal(t, []string{"d1", "d2"}, payloadStrings(job.Payload, "doc_ids"))
}

func TestPipelineHandlerReportsPerDocFailures(t *testing.T) {
	r := &stageRecorder{}
	p := NewPipeline(PipelineDeps{
		Normalize: &fakeNormalize{r},
		Extract:   &fakeExtract{r},
		Chunk:     &fakeChunk{r},
		Graph:     &fakeGraph{r},
		Embed:     &failingEmbedFor{"d2"},
		Docs:      &fakePipelineDocs{},
		Events:    &fakeEventLog{},
	}, nil)

	job := &storage.Job{
		JobID:   "j1",
		JobType: JobPipelineProcessDoc,
		Payload: map[string]any{"tenant_id": "t1", "doc_ids": []any{"d1", "d2"}},
	}
	var progress []float64
	result, err := PipelineHandler(p)(context.Background(), job, func(pct float64) {
		progress = append(progress, pct)
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result["processed"])
	assert.Equal(t, 1, result["failed"])
	assert.Equal(t, map[string]string{"d2": "index unavailable"}, result["errors"])
	assert.Equal(t, []float64{50, 100}, progress)
}

func TestPipelineHandlerRejectsEmptyPayload(t *testing.T) {
	p := NewPipeline(PipelineDeps{}, nil)
	_, err := PipelineHandler(p)(context.Background(), &storage.Job{Payload: map[string]any{}}, nil)
	assert.Error(t, err)
}
