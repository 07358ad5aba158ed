package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/newsfrontier/internal/progress"
)

// LogSink emits structured logs for the event stream. Debug events such as
// decision traces only appear when the logger is enabled at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		ce := s.logger.Check(levelFor(evt.Severity), "crawl event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("type", string(evt.Type)),
			zap.String("job_id", evt.JobID),
			zap.Uint64("seq", evt.Seq),
			zap.Time("ts", evt.Timestamp),
			zap.Any("data", evt.Data),
		)
	}
	return nil
}

// Close implements the Sink interface; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}

func levelFor(sev progress.Severity) zapcore.Level {
	switch sev {
	case progress.SeverityDebug:
		return zapcore.DebugLevel
	case progress.SeverityWarn:
		return zapcore.WarnLevel
	case progress.SeverityError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
