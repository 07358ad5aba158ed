package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfrontier/internal/progress"
	"github.com/JakeFAU/newsfrontier/internal/store"
)

// TestStoreSinkPersistsEvents ensures visits/bytes are collapsed per host before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{}
	sink := NewStoreSink(repo, false, nil)
	now := time.Now()

	visit := func(bytes int64, at time.Time) progress.Event {
		evt := event(progress.TypeURLVisited, map[string]any{
			progress.KeyHost: "example.com", progress.KeyMethod: "network", progress.KeyBytes: bytes,
		})
		evt.Timestamp = at
		return evt
	}
	batch := []progress.Event{
		event(progress.TypeStart, nil),
		visit(100, now.Add(time.Second)),
		visit(50, now.Add(2*time.Second)),
		event(progress.TypeURLError, map[string]any{progress.KeyHost: "example.com", progress.KeyMethod: "network"}),
		event(progress.TypeDecisionTrace, map[string]any{progress.KeyKind: "cache-hit"}),
		event(progress.TypeStop, map[string]any{progress.KeyReason: "abort-requested", progress.KeyDetail: "signal"}),
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"job-1"}, repo.starts)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunAborted, repo.completes[0].status)
	require.Equal(t, "signal", *repo.completes[0].detail)
	require.Len(t, repo.hostStats, 1)
	stats := repo.hostStats[0]
	require.Equal(t, int64(2), stats.Visits)
	require.Equal(t, int64(1), stats.Errors)
	require.Equal(t, int64(150), stats.Bytes)
	require.Empty(t, repo.traces, "traces are opt-in")
}

func TestStoreSinkPersistsTracesWhenEnabled(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{}
	sink := NewStoreSink(repo, true, nil)
	evt := event(progress.TypeDecisionTrace, map[string]any{
		progress.KeyKind: "fallback", progress.KeyURL: "https://example.com/a", "message": "blocked twice",
	})
	evt.Seq = 9
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))

	require.Len(t, repo.traces, 1)
	require.Equal(t, "fallback", repo.traces[0].Kind)
	require.EqualValues(t, 9, repo.traces[0].Seq)
	require.Contains(t, string(repo.traces[0].Payload), "blocked twice")
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{fail: true}
	sink := NewStoreSink(repo, false, nil)
	err := sink.Consume(context.Background(), []progress.Event{event(progress.TypeStart, nil)})
	require.Error(t, err)
}

type completeCall struct {
	jobID  string
	status store.JobRunStatus
	reason string
	detail *string
}

type fakeEventRepo struct {
	fail      bool
	starts    []string
	completes []completeCall
	hostStats []store.HostStatsDelta
	traces    []store.TraceRecord
}

func (f *fakeEventRepo) UpsertJobStart(_ context.Context, jobID string, _ time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.starts = append(f.starts, jobID)
	return nil
}

func (f *fakeEventRepo) CompleteJob(
	_ context.Context,
	jobID string,
	_ time.Time,
	status store.JobRunStatus,
	reason string,
	detail *string,
) error {
	if f.fail {
		return assertErr("complete")
	}
	f.completes = append(f.completes, completeCall{jobID: jobID, status: status, reason: reason, detail: detail})
	return nil
}

func (f *fakeEventRepo) UpsertHostStats(_ context.Context, delta store.HostStatsDelta) error {
	if f.fail {
		return assertErr("host")
	}
	f.hostStats = append(f.hostStats, delta)
	return nil
}

func (f *fakeEventRepo) AppendTraces(_ context.Context, traces []store.TraceRecord) error {
	if f.fail {
		return assertErr("traces")
	}
	f.traces = append(f.traces, traces...)
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
