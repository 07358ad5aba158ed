package progress

import (
	"errors"
	"fmt"
	"time"
)

// Type names an event in the stream.
type Type string

// Event types emitted by the engine.
const (
	TypeStart               Type = "start"
	TypeStop                Type = "stop"
	TypePause               Type = "pause"
	TypeResume              Type = "resume"
	TypeProgress            Type = "progress"
	TypePhaseChanged        Type = "phase-changed"
	TypeURLVisited          Type = "url-visited"
	TypeURLError            Type = "url-error"
	TypeGoalSatisfied       Type = "goal-satisfied"
	TypeBudgetUpdated       Type = "budget-updated"
	TypeWorkerScaled        Type = "worker-scaled"
	TypeHostLockedOut       Type = "host-locked-out"
	TypeHostRecovered       Type = "host-recovered"
	TypeFallbackActivated   Type = "fallback-activated"
	TypeReanalysisTriggered Type = "reanalysis-triggered"
	TypeDecisionTrace       Type = "decision-trace"
	TypeQueueDepth          Type = "queue-depth"
	TypeDegradedMode        Type = "degraded-mode"
	TypeCheckpointSaved     Type = "checkpoint-saved"
)

// highFrequency types are held for batching; every other type flushes the
// pending batch as soon as it arrives.
var highFrequency = map[Type]struct{}{
	TypeURLVisited:    {},
	TypeURLError:      {},
	TypeProgress:      {},
	TypeQueueDepth:    {},
	TypeDecisionTrace: {},
}

// HighFrequency reports whether events of type t are batched.
func (t Type) HighFrequency() bool {
	_, ok := highFrequency[t]
	return ok
}

// Severity grades an event.
type Severity string

// Severities in increasing order.
const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is one record on the telemetry stream.
type Event struct {
	Type        Type           `json:"type"`
	JobID       string         `json:"jobId"`
	ID          string         `json:"id"`
	Seq         uint64         `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	TimestampMs int64          `json:"timestampMs"`
	Severity    Severity       `json:"severity"`
	Data        map[string]any `json:"data,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	switch e.Severity {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError:
	default:
		return fmt.Errorf("unknown severity %q", e.Severity)
	}
	return nil
}

// String returns a short label used in logs.
func (e Event) String() string {
	return fmt.Sprintf("%s#%d", e.Type, e.Seq)
}
