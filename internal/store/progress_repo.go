package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an update targets a job run that was never
// started.
var ErrNotFound = errors.New("job run not found")

// JobRunStatus mirrors the job_runs status column.
type JobRunStatus string

// Job run statuses persisted in job_runs.status.
const (
	RunRunning JobRunStatus = "running"
	RunSuccess JobRunStatus = "success"
	RunError   JobRunStatus = "error"
	RunAborted JobRunStatus = "aborted"
)

// HostStatsDelta is an increment to the per-(job, host, method) aggregate.
type HostStatsDelta struct {
	JobID  string
	Host   string
	Method string
	Visits int64
	Errors int64
	Bytes  int64
	At     time.Time
}

// TraceRecord is one persisted decision trace.
type TraceRecord struct {
	JobID   string
	EventID string
	Seq     uint64
	Kind    string
	URL     string
	Host    string
	Payload []byte
	At      time.Time
}

// EventRepository persists the telemetry stream of a job.
type EventRepository interface {
	// UpsertJobStart inserts (or idempotently updates) the started_at timestamp.
	UpsertJobStart(ctx context.Context, jobID string, startedAt time.Time) error
	// CompleteJob marks the run finished with the exit reason and optional detail.
	CompleteJob(ctx context.Context, jobID string, finishedAt time.Time, status JobRunStatus, reason string, detail *string) error
	// UpsertHostStats applies visit/error/byte deltas.
	UpsertHostStats(ctx context.Context, delta HostStatsDelta) error
	// AppendTraces stores decision traces in emission order.
	AppendTraces(ctx context.Context, traces []TraceRecord) error
}
