package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/newsfrontier/internal/progress"
)

func TestLogSinkMapsSeverity(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	batch := []progress.Event{
		{Type: progress.TypeStart, JobID: "job", Seq: 1, Timestamp: now, Severity: progress.SeverityInfo},
		{Type: progress.TypeDecisionTrace, JobID: "job", Seq: 2, Timestamp: now, Severity: progress.SeverityDebug},
		{Type: progress.TypeHostLockedOut, JobID: "job", Seq: 3, Timestamp: now, Severity: progress.SeverityWarn,
			Data: map[string]any{progress.KeyHost: "example.com"}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2, "debug events are filtered by the logger level")
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "host-locked-out", entries[1].ContextMap()["type"])
}
