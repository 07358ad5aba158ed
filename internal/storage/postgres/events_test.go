package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfrontier/internal/store"
)

func newMockEventStore(t *testing.T) (*EventStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	s, err := NewEventStore(mock)
	require.NoError(t, err)
	return s, mock
}

func TestEventStoreJobLifecycle(t *testing.T) {
	t.Parallel()

	s, mock := newMockEventStore(t)
	started := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	detail := "budget spent"

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_runs")).
		WithArgs("job-1", started, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job_runs")).
		WithArgs(finished, store.RunSuccess, "completed", &detail, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, s.UpsertJobStart(ctx, "job-1", started))
	require.NoError(t, s.CompleteJob(ctx, "job-1", finished, store.RunSuccess, "completed", &detail))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreCompleteUnknownJob(t *testing.T) {
	t.Parallel()

	s, mock := newMockEventStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job_runs")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteJob(context.Background(), "missing", time.Now(), store.RunError, "failed", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEventStoreHostStatsAndTraces(t *testing.T) {
	t.Parallel()

	s, mock := newMockEventStore(t)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO host_stats")).
		WithArgs("job-1", "a.test", "network", int64(1), int64(0), int64(512), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decision_traces")).
		WithArgs("job-1", "evt-1", int64(7), "cache-hit", "https://a.test/", "a.test", []byte(`{}`), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	require.NoError(t, s.UpsertHostStats(ctx, store.HostStatsDelta{
		JobID: "job-1", Host: "a.test", Method: "network", Visits: 1, Bytes: 512, At: at,
	}))
	require.NoError(t, s.AppendTraces(ctx, []store.TraceRecord{{
		JobID: "job-1", EventID: "evt-1", Seq: 7, Kind: "cache-hit",
		URL: "https://a.test/", Host: "a.test", Payload: []byte(`{}`), At: at,
	}}))
	require.NoError(t, mock.ExpectationsWereMet())
}
