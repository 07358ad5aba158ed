package crawler

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrQueueClosed is returned when an operation targets a closed frontier.
	ErrQueueClosed = errors.New("frontier closed")
	// ErrDisallowed is returned by fetchers when robots.txt forbids a URL.
	ErrDisallowed = errors.New("disallowed by robots.txt")
)

// EntryKind classifies a frontier URL by the role it plays on a news site.
type EntryKind string

// Supported entry kinds.
const (
	KindArticle    EntryKind = "article"
	KindHub        EntryKind = "hub"
	KindPagination EntryKind = "pagination"
	KindOther      EntryKind = "other"
)

// EntrySource records why an entry entered the frontier.
type EntrySource string

// Entry sources. Historical entries count against the backfill share of a
// batch; everything else counts as newest.
const (
	SourceSeed       EntrySource = "seed"
	SourceNewest     EntrySource = "newest"
	SourceHistorical EntrySource = "historical"
	SourceHub        EntrySource = "hub"
	SourceLink       EntrySource = "link"
)

// Historical reports whether the source belongs to the backfill share.
func (s EntrySource) Historical() bool {
	return s == SourceHistorical
}

// FrontierEntry is a unit of crawl work. Entries are unique by normalized URL
// within a run.
type FrontierEntry struct {
	URL          string      `json:"url"`
	Host         string      `json:"host"`
	Depth        int         `json:"depth"`
	Kind         EntryKind   `json:"kind"`
	Priority     int         `json:"priority"`
	DiscoveredAt time.Time   `json:"discovered_at"`
	Source       EntrySource `json:"source"`
}

// HostStatus is the circuit state of a host.
type HostStatus string

// Host health states.
const (
	HostHealthy    HostStatus = "healthy"
	HostDegraded   HostStatus = "degraded"
	HostLockedOut  HostStatus = "locked-out"
	HostRecovering HostStatus = "recovering"
)

// HostState is a point-in-time copy of the per-host bookkeeping shared by the
// throttle and the retry coordinator.
type HostState struct {
	Host              string     `json:"host"`
	ActiveRequests    int        `json:"active_requests"`
	LastRequestAt     time.Time  `json:"last_request_at"`
	ConsecutiveResets int        `json:"consecutive_resets"`
	Status            HostStatus `json:"status"`
	LockedUntil       time.Time  `json:"locked_until,omitempty"`
}

// SourceMethod identifies how a page body was obtained.
type SourceMethod string

// Fetch source methods.
const (
	MethodCache    SourceMethod = "cache"
	MethodNetwork  SourceMethod = "network"
	MethodHeadless SourceMethod = "headless"
)

// ErrorKind classifies a failed fetch. The empty kind means success.
type ErrorKind string

// Error kinds produced by the retry coordinator's classifier.
const (
	ErrNone            ErrorKind = ""
	ErrTimeout         ErrorKind = "timeout"
	ErrConnectionReset ErrorKind = "connection-reset"
	ErrRetryableStatus ErrorKind = "retryable-status"
	ErrBlocked         ErrorKind = "blocked"
	ErrNotFound        ErrorKind = "not-found"
	ErrGone            ErrorKind = "gone"
	ErrClientError     ErrorKind = "client-error"
	ErrServerError     ErrorKind = "server-error"
	ErrCanceled        ErrorKind = "canceled"
	ErrUnknown         ErrorKind = "unknown"
)

// Permanent reports whether the kind marks a URL as dead.
func (k ErrorKind) Permanent() bool {
	return k == ErrNotFound || k == ErrGone
}

// FetchOutcome is the immutable result of one pipeline fetch.
type FetchOutcome struct {
	URL          string       `json:"url"`
	FinalURL     string       `json:"final_url,omitempty"`
	Host         string       `json:"host"`
	HTTPStatus   int          `json:"http_status"`
	SourceMethod SourceMethod `json:"source_method"`
	DurationMs   int64        `json:"duration_ms"`
	Bytes        int64        `json:"bytes"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
	ErrorText    string       `json:"error_text,omitempty"`
	Body         []byte       `json:"-"`
	Headers      http.Header  `json:"-"`
	FetchedAt    time.Time    `json:"fetched_at"`
	Attempts     int          `json:"attempts"`
}

// OK reports whether the fetch produced content.
func (o FetchOutcome) OK() bool {
	return o.ErrorKind == ErrNone
}

// Downloaded reports whether the outcome counts toward the download cap.
// Cache hits never do.
func (o FetchOutcome) Downloaded() bool {
	return o.OK() && (o.SourceMethod == MethodNetwork || o.SourceMethod == MethodHeadless)
}

// ExitReason explains why a worker pool run ended.
type ExitReason string

// Exit reasons in precedence order, highest first.
const (
	ExitAbortRequested      ExitReason = "abort-requested"
	ExitMaxDownloadsReached ExitReason = "max-downloads-reached"
	ExitFailed              ExitReason = "failed"
	ExitQueueExhausted      ExitReason = "queue-exhausted"
	ExitCompleted           ExitReason = "completed"
)

// Success reports whether the reason maps to a zero process exit code.
func (r ExitReason) Success() bool {
	switch r {
	case ExitCompleted, ExitQueueExhausted, ExitMaxDownloadsReached:
		return true
	default:
		return false
	}
}

// ExitSummary is produced exactly once per run.
type ExitSummary struct {
	Reason     ExitReason    `json:"reason"`
	Stats      StatsSnapshot `json:"stats"`
	Detail     string        `json:"detail,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// PatternSignature describes a structural page template observed on a host.
type PatternSignature struct {
	Hash          string    `json:"hash"`
	Confidence    float64   `json:"confidence"`
	ObservedCount int       `json:"observed_count"`
	Host          string    `json:"host"`
	Kind          EntryKind `json:"kind"`
	SampleURL     string    `json:"sample_url"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// Phase is the active orchestrator mode.
type Phase string

// Orchestrator phases in cycle order.
const (
	PhaseDownload  Phase = "download"
	PhaseAnalyze   Phase = "analyze"
	PhaseLearn     Phase = "learn"
	PhaseDiscover  Phase = "discover"
	PhaseReanalyze Phase = "reanalyze"
)

// Page is a fetched document handed to the analysis collaborator.
type Page struct {
	URL       string      `json:"url"`
	Host      string      `json:"host"`
	Kind      EntryKind   `json:"kind"`
	Body      []byte      `json:"-"`
	FetchedAt time.Time   `json:"fetched_at"`
	Source    EntrySource `json:"source"`
}

// PageAnalysis is the per-page verdict of the analysis collaborator.
type PageAnalysis struct {
	URL           string    `json:"url"`
	Host          string    `json:"host"`
	Kind          EntryKind `json:"kind"`
	SignatureHash string    `json:"signature_hash"`
	Confidence    float64   `json:"confidence"`
	AnalyzedAt    time.Time `json:"analyzed_at"`
}

// AnalysisProgress is streamed by an Analyzer while it works. The final
// message has Done set and carries the signatures observed in the batch.
type AnalysisProgress struct {
	Processed  int                `json:"processed"`
	Total      int                `json:"total"`
	Page       *PageAnalysis      `json:"page,omitempty"`
	Signatures []PatternSignature `json:"signatures,omitempty"`
	Done       bool               `json:"done"`
	Err        error              `json:"-"`
}

// PageRef points at a stored page that may need reanalysis.
type PageRef struct {
	URL           string    `json:"url"`
	Host          string    `json:"host"`
	Confidence    float64   `json:"confidence"`
	SignatureHash string    `json:"signature_hash"`
	AnalyzedAt    time.Time `json:"analyzed_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL           string
	Headers       http.Header
	RespectRobots bool
	UseHeadless   bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// CachedPage is a stored copy of a previously fetched body.
type CachedPage struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}
