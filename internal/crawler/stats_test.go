package crawler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStatsDownloadedCountsOnlyNetworkAndHeadless(t *testing.T) {
	t.Parallel()

	stats := NewRunStats(0)
	for i := 0; i < 6; i++ {
		stats.RecordOutcome(FetchOutcome{SourceMethod: MethodCache})
	}
	for i := 0; i < 3; i++ {
		stats.RecordOutcome(FetchOutcome{SourceMethod: MethodNetwork})
	}
	stats.RecordOutcome(FetchOutcome{SourceMethod: MethodHeadless})

	snap := stats.Snapshot()
	require.EqualValues(t, 10, snap.Visited)
	require.EqualValues(t, 4, snap.Downloaded)
	require.EqualValues(t, 6, snap.CacheHits)
	require.Zero(t, snap.Errors)
}

func TestRunStatsErrorsDoNotDownload(t *testing.T) {
	t.Parallel()

	stats := NewRunStats(0)
	stats.RecordOutcome(FetchOutcome{SourceMethod: MethodNetwork, ErrorKind: ErrTimeout})
	snap := stats.Snapshot()
	require.EqualValues(t, 1, snap.Errors)
	require.Zero(t, snap.Downloaded)
}

func TestRunStatsConcurrentUpdates(t *testing.T) {
	t.Parallel()

	stats := NewRunStats(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats.RecordOutcome(FetchOutcome{SourceMethod: MethodNetwork})
			stats.AddSaved(1)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 50, stats.Downloaded())
	require.EqualValues(t, 50, stats.Snapshot().Saved)
}

func TestRunStatsQueueHistoryIsBounded(t *testing.T) {
	t.Parallel()

	stats := NewRunStats(3)
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		stats.SampleQueue(base.Add(time.Duration(i)*time.Second), i, 0)
	}
	history := stats.Snapshot().QueueDepthHistory
	require.Len(t, history, 3)
	require.Equal(t, 2, history[0].Pending)
	require.Equal(t, 4, history[2].Pending)
}

func TestExitReasonSuccess(t *testing.T) {
	t.Parallel()

	require.True(t, ExitCompleted.Success())
	require.True(t, ExitQueueExhausted.Success())
	require.True(t, ExitMaxDownloadsReached.Success())
	require.False(t, ExitFailed.Success())
	require.False(t, ExitAbortRequested.Success())
}
