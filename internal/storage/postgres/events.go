package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/newsfrontier/internal/store"
)

// EventStore implements store.EventRepository on the job_runs, host_stats
// and decision_traces tables.
type EventStore struct {
	pool querier
}

// NewEventStore wraps pool.
func NewEventStore(pool querier) (*EventStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EventStore{pool: pool}, nil
}

// UpsertJobStart inserts the run row; a repeated start only resets status.
func (s *EventStore) UpsertJobStart(ctx context.Context, jobID string, startedAt time.Time) error {
	const query = `
		INSERT INTO job_runs (job_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE job_runs.status <> EXCLUDED.status`
	if _, err := s.pool.Exec(ctx, query, jobID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert job start: %w", err)
	}
	return nil
}

// CompleteJob records the exit reason of the run.
func (s *EventStore) CompleteJob(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status store.JobRunStatus,
	reason string,
	detail *string,
) error {
	const query = `
		UPDATE job_runs
		SET finished_at = $1, status = $2, exit_reason = $3, detail = $4
		WHERE job_id = $5`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, reason, detail, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", jobID, store.ErrNotFound)
	}
	return nil
}

// UpsertHostStats adds the delta to the (job, host, method) aggregate.
func (s *EventStore) UpsertHostStats(ctx context.Context, d store.HostStatsDelta) error {
	const query = `
		INSERT INTO host_stats (job_id, host, method, visits, errors, bytes, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, host, method) DO UPDATE
		SET visits = host_stats.visits + EXCLUDED.visits,
			errors = host_stats.errors + EXCLUDED.errors,
			bytes = host_stats.bytes + EXCLUDED.bytes,
			last_update = GREATEST(host_stats.last_update, EXCLUDED.last_update)`
	_, err := s.pool.Exec(ctx, query, d.JobID, d.Host, d.Method, d.Visits, d.Errors, d.Bytes, d.At)
	if err != nil {
		return fmt.Errorf("upsert host stats: %w", err)
	}
	return nil
}

// AppendTraces inserts traces in order. Duplicate event IDs are ignored so
// a retried flush is harmless.
func (s *EventStore) AppendTraces(ctx context.Context, traces []store.TraceRecord) error {
	const query = `
		INSERT INTO decision_traces (job_id, event_id, seq, kind, url, host, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`
	for _, tr := range traces {
		_, err := s.pool.Exec(ctx, query, tr.JobID, tr.EventID, int64(tr.Seq), tr.Kind, tr.URL, tr.Host, tr.Payload, tr.At)
		if err != nil {
			return fmt.Errorf("append trace %s: %w", tr.EventID, err)
		}
	}
	return nil
}
