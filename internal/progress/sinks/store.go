package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/progress"
	"github.com/JakeFAU/newsfrontier/internal/store"
)

// StoreSink persists the event stream via a store.EventRepository. Fetch
// events are collapsed per (job, host, method) to reduce write amplification.
// Decision traces are written only when persistence was opted into.
type StoreSink struct {
	repo          store.EventRepository
	persistTraces bool
	logger        *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.EventRepository, persistTraces bool, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, persistTraces: persistTraces, logger: logger}
}

// Consume collapses host deltas and forwards them to the repository. It
// respects ctx deadlines and returns any repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*store.HostStatsDelta)
	var order []statsKey
	var traces []store.TraceRecord

	for _, evt := range batch {
		switch evt.Type {
		case progress.TypeStart, progress.TypeStop:
			if err := s.handleJobEvent(ctx, evt); err != nil {
				return err
			}
		case progress.TypeURLVisited, progress.TypeURLError:
			key, ok := s.recordHostStats(stats, evt)
			if ok {
				order = append(order, key)
			}
		case progress.TypeDecisionTrace:
			if s.persistTraces {
				traces = append(traces, traceRecord(evt))
			}
		}
	}

	for _, key := range order {
		if err := s.repo.UpsertHostStats(ctx, *stats[key]); err != nil {
			return fmt.Errorf("upsert host stats: %w", err)
		}
	}
	if len(traces) > 0 {
		if err := s.repo.AppendTraces(ctx, traces); err != nil {
			return fmt.Errorf("append traces: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleJobEvent(ctx context.Context, evt progress.Event) error {
	if evt.Type == progress.TypeStart {
		if err := s.repo.UpsertJobStart(ctx, evt.JobID, evt.Timestamp); err != nil {
			return fmt.Errorf("upsert job start: %w", err)
		}
		return nil
	}
	reason := evt.StringField(progress.KeyReason)
	var detail *string
	if d := evt.StringField(progress.KeyDetail); d != "" {
		detail = &d
	}
	if err := s.repo.CompleteJob(ctx, evt.JobID, evt.Timestamp, statusFor(crawler.ExitReason(reason)), reason, detail); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// recordHostStats folds evt into stats and reports whether a new key was created.
func (s *StoreSink) recordHostStats(stats map[statsKey]*store.HostStatsDelta, evt progress.Event) (statsKey, bool) {
	host := evt.StringField(progress.KeyHost)
	if host == "" {
		return statsKey{}, false
	}
	method := evt.StringField(progress.KeyMethod)
	key := statsKey{jobID: evt.JobID, host: host, method: method}
	delta, ok := stats[key]
	if !ok {
		delta = &store.HostStatsDelta{JobID: evt.JobID, Host: host, Method: method}
		stats[key] = delta
	}
	if evt.Type == progress.TypeURLError {
		delta.Errors++
	} else {
		delta.Visits++
		delta.Bytes += evt.Int64Field(progress.KeyBytes)
	}
	if evt.Timestamp.After(delta.At) {
		delta.At = evt.Timestamp
	}
	return key, !ok
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func statusFor(reason crawler.ExitReason) store.JobRunStatus {
	switch {
	case reason == crawler.ExitAbortRequested:
		return store.RunAborted
	case reason.Success():
		return store.RunSuccess
	default:
		return store.RunError
	}
}

func traceRecord(evt progress.Event) store.TraceRecord {
	payload, err := json.Marshal(evt.Data)
	if err != nil {
		payload = []byte(`{}`)
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return store.TraceRecord{
		JobID:   evt.JobID,
		EventID: evt.ID,
		Seq:     evt.Seq,
		Kind:    evt.StringField(progress.KeyKind),
		URL:     evt.StringField(progress.KeyURL),
		Host:    evt.StringField(progress.KeyHost),
		Payload: payload,
		At:      at,
	}
}

type statsKey struct {
	jobID  string
	host   string
	method string
}
