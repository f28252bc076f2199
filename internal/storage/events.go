package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventRepository appends and queries pipeline audit events.
type EventRepository struct {
	db DB
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append writes one audit event. Failures here must not abort pipeline work,
// so callers typically log and continue.
func (r *EventRepository) Append(ctx context.Context, e *Event) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.Attempt == 0 {
		e.Attempt = 1
	}
	query := `
		INSERT INTO events (event_id, tenant_id, doc_id, stage, status, attempt, ts,
			latency_ms, cost_cents, details_json, trace_id, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.EventID, e.TenantID, e.DocID, e.Stage, e.Status, e.Attempt, e.TS,
		e.LatencyMS, e.CostCents, jsonArg(e.Details), e.TraceID, e.JobID,
	)
	return err
}

// ListByDoc returns events for a document, newest first.
func (r *EventRepository) ListByDoc(ctx context.Context, docID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, tenant_id, doc_id, stage, status, attempt, ts,
			latency_ms, cost_cents, details_json, trace_id, job_id
		FROM events WHERE doc_id = $1
		ORDER BY ts DESC LIMIT $2
	`, docID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var details []byte
		if err := rows.Scan(&e.EventID, &e.TenantID, &e.DocID, &e.Stage, &e.Status, &e.Attempt,
			&e.TS, &e.LatencyMS, &e.CostCents, &details, &e.TraceID, &e.JobID); err != nil {
			return nil, err
		}
		scanJSON(details, &e.Details)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListByStage returns a tenant's most recent events for one stage, newest
// first. Used by the pipeline metrics rollup.
func (r *EventRepository) ListByStage(ctx context.Context, tenantID, stage string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, tenant_id, doc_id, stage, status, attempt, ts,
			latency_ms, cost_cents, details_json, trace_id, job_id
		FROM events WHERE tenant_id = $1 AND stage = $2
		ORDER BY ts DESC LIMIT $3
	`, tenantID, stage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var details []byte
		if err := rows.Scan(&e.EventID, &e.TenantID, &e.DocID, &e.Stage, &e.Status, &e.Attempt,
			&e.TS, &e.LatencyMS, &e.CostCents, &details, &e.TraceID, &e.JobID); err != nil {
			return nil, err
		}
		scanJSON(details, &e.Details)
		events = append(events, e)
	}
	return events, rows.Err()
}

// StageSummary is one row of the pipeline metrics rollup.
type StageSummary struct {
	Stage        string   `json:"stage"`
	Status       string   `json:"status"`
	Count        int      `json:"count"`
	AvgLatencyMS *float64 `json:"avg_latency_ms,omitempty"`
	P95LatencyMS *float64 `json:"p95_latency_ms,omitempty"`
}

// PipelineSummary aggregates event counts and latencies per stage and status
// for a tenant over a trailing window.
func (r *EventRepository) PipelineSummary(ctx context.Context, tenantID string, since time.Time) ([]*StageSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT stage, status, COUNT(*),
			AVG(latency_ms),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms)
		FROM events
		WHERE tenant_id = $1 AND ts >= $2
		GROUP BY stage, status
		ORDER BY stage, status
	`, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StageSummary
	for rows.Next() {
		s := &StageSummary{}
		if err := rows.Scan(&s.Stage, &s.Status, &s.Count, &s.AvgLatencyMS, &s.P95LatencyMS); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
