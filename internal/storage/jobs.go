package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// JobRepository implements the database-backed job queue.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue inserts a new PENDING job and returns its ID.
func (r *JobRepository) Enqueue(ctx context.Context, jobType string, payload map[string]any) (string, error) {
	jobID := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, job_type, status, payload)
		VALUES ($1, $2, $3, $4)
	`, jobID, jobType, JobPending, jsonArg(payload))
	return jobID, err
}

// Claim atomically transitions the oldest PENDING job to RUNNING and returns
// it. Uses SKIP LOCKED so concurrent workers never claim the same job.
// Returns ErrNotFound when the queue is empty.
func (r *JobRepository) Claim(ctx context.Context) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = now()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status = $2
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING job_id, job_type, status, payload, progress, result, error, created_at, updated_at
	`, JobRunning, JobPending)
	return scanJob(row)
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, jobID string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT job_id, job_type, status, payload, progress, result, error, created_at, updated_at
		FROM jobs WHERE job_id = $1
	`, jobID)
	return scanJob(row)
}

// SetProgress updates a running job's progress percentage.
func (r *JobRepository) SetProgress(ctx context.Context, jobID string, progress float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET progress = $1, updated_at = now() WHERE job_id = $2`, progress, jobID)
	return err
}

// Complete marks a job DONE with its result, at 100 percent.
func (r *JobRepository) Complete(ctx context.Context, jobID string, result map[string]any) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, result = $2, progress = 100, updated_at = now()
		WHERE job_id = $3
	`, JobDone, jsonArg(result), jobID)
	return err
}

// Fail marks a job ERROR with its message.
func (r *JobRepository) Fail(ctx context.Context, jobID, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, error = $2, updated_at = now()
		WHERE job_id = $3
	`, JobError, errMsg, jobID)
	return err
}

// DeleteAll removes every job. Admin reset only; jobs are not tenant scoped.
func (r *JobRepository) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanJob(row *sql.Row) (*Job, error) {
	j := &Job{}
	var payload, result []byte
	err := row.Scan(&j.JobID, &j.JobType, &j.Status, &payload, &j.Progress, &result,
		&j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	scanJSON(payload, &j.Payload)
	scanJSON(result, &j.Result)
	return j, nil
}
