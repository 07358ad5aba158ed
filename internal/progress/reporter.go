package progress

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// DefaultMaxTraceBytes caps a serialized decision trace.
const DefaultMaxTraceBytes = 8 * 1024

// Trace explains one engine decision: a cache hit, a fallback, a skip.
type Trace struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	URL     string         `json:"url,omitempty"`
	Host    string         `json:"host,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// Reporter stamps events with a job ID and forwards them to an Emitter. A nil
// Reporter discards everything, so components can treat telemetry as optional.
type Reporter struct {
	emitter       Emitter
	jobID         string
	clock         crawler.Clock
	maxTraceBytes int
}

// NewReporter scopes emitter to jobID. maxTraceBytes <= 0 selects the default.
func NewReporter(emitter Emitter, jobID string, clock crawler.Clock, maxTraceBytes int) *Reporter {
	if maxTraceBytes <= 0 {
		maxTraceBytes = DefaultMaxTraceBytes
	}
	return &Reporter{emitter: emitter, jobID: jobID, clock: clock, maxTraceBytes: maxTraceBytes}
}

// JobID returns the job the reporter is scoped to.
func (r *Reporter) JobID() string {
	if r == nil {
		return ""
	}
	return r.jobID
}

// Report emits one event.
func (r *Reporter) Report(t Type, severity Severity, data map[string]any) {
	if r == nil || r.emitter == nil {
		return
	}
	r.emitter.Emit(Event{
		Type:      t,
		JobID:     r.jobID,
		Timestamp: r.now(),
		Severity:  severity,
		Data:      data,
	})
}

// Info emits an info-level event.
func (r *Reporter) Info(t Type, data map[string]any) {
	r.Report(t, SeverityInfo, data)
}

// Warn emits a warn-level event.
func (r *Reporter) Warn(t Type, data map[string]any) {
	r.Report(t, SeverityWarn, data)
}

// Trace emits a decision trace, truncating it to the configured cap.
func (r *Reporter) Trace(tr Trace) {
	if r == nil || r.emitter == nil {
		return
	}
	if tr.At.IsZero() {
		tr.At = r.now()
	}
	capped, truncated := CapTrace(tr, r.maxTraceBytes)
	data := map[string]any{
		"kind":    capped.Kind,
		"message": capped.Message,
	}
	if capped.URL != "" {
		data["url"] = capped.URL
	}
	if capped.Host != "" {
		data["host"] = capped.Host
	}
	if len(capped.Details) > 0 {
		data["details"] = capped.Details
	}
	if truncated {
		data["truncated"] = true
	}
	r.Report(TypeDecisionTrace, SeverityDebug, data)
}

func (r *Reporter) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now().UTC()
}

// CapTrace returns tr unchanged when its JSON form fits in maxBytes.
// Otherwise details are replaced by a size marker and the free-text fields
// are shortened until it fits.
func CapTrace(tr Trace, maxBytes int) (Trace, bool) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTraceBytes
	}
	original := traceSize(tr)
	if original <= maxBytes {
		return tr, false
	}
	tr.Details = map[string]any{"truncated": true, "originalBytes": original}
	for traceSize(tr) > maxBytes {
		switch {
		case tr.Message != "":
			tr.Message = halve(tr.Message)
		case tr.URL != "":
			tr.URL = halve(tr.URL)
		case tr.Host != "":
			tr.Host = halve(tr.Host)
		case tr.Kind != "":
			tr.Kind = halve(tr.Kind)
		default:
			tr.Details = nil
			return tr, true
		}
	}
	return tr, true
}

func traceSize(tr Trace) int {
	raw, err := json.Marshal(tr)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return len(raw)
}

func halve(s string) string {
	n := len(s) / 2
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
