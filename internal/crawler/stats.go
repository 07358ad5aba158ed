package crawler

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueHistory = 512

// QueueDepthSample is one observation of frontier depth.
type QueueDepthSample struct {
	At      time.Time `json:"at"`
	Pending int       `json:"pending"`
	Held    int       `json:"held"`
}

// StatsSnapshot is a copy of RunStats safe to serialize.
type StatsSnapshot struct {
	Visited           int64              `json:"visited"`
	Downloaded        int64              `json:"downloaded"`
	Saved             int64              `json:"saved"`
	Errors            int64              `json:"errors"`
	CacheHits         int64              `json:"cache_hits"`
	QueueDepthHistory []QueueDepthSample `json:"queue_depth_history,omitempty"`
}

// RunStats accumulates counters for one worker pool run. Counters are updated
// atomically from concurrent workers; the queue history is bounded.
type RunStats struct {
	visited    atomic.Int64
	downloaded atomic.Int64
	saved      atomic.Int64
	errors     atomic.Int64
	cacheHits  atomic.Int64

	mu         sync.Mutex
	history    []QueueDepthSample
	historyCap int
}

// NewRunStats returns zeroed stats keeping at most historyCap queue samples.
func NewRunStats(historyCap int) *RunStats {
	if historyCap <= 0 {
		historyCap = defaultQueueHistory
	}
	return &RunStats{historyCap: historyCap}
}

// RecordOutcome folds one fetch outcome into the counters.
func (s *RunStats) RecordOutcome(o FetchOutcome) {
	s.visited.Add(1)
	if !o.OK() {
		s.errors.Add(1)
		return
	}
	switch o.SourceMethod {
	case MethodCache:
		s.cacheHits.Add(1)
	case MethodNetwork, MethodHeadless:
		s.downloaded.Add(1)
	}
}

// AddSaved increments the persisted-page counter.
func (s *RunStats) AddSaved(n int64) {
	s.saved.Add(n)
}

// Downloaded returns the current download count.
func (s *RunStats) Downloaded() int64 {
	return s.downloaded.Load()
}

// Errors returns the current error count.
func (s *RunStats) Errors() int64 {
	return s.errors.Load()
}

// SampleQueue appends a queue depth observation, evicting the oldest sample
// once the history is full.
func (s *RunStats) SampleQueue(at time.Time, pending, held int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyCap <= 0 {
		s.historyCap = defaultQueueHistory
	}
	if len(s.history) >= s.historyCap {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, QueueDepthSample{At: at, Pending: pending, Held: held})
}

// Snapshot copies the counters and history.
func (s *RunStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	history := append([]QueueDepthSample(nil), s.history...)
	s.mu.Unlock()
	return StatsSnapshot{
		Visited:           s.visited.Load(),
		Downloaded:        s.downloaded.Load(),
		Saved:             s.saved.Load(),
		Errors:            s.errors.Load(),
		CacheHits:         s.cacheHits.Load(),
		QueueDepthHistory: history,
	}
}

// Add merges another snapshot's counters into the receiver's totals. History
// is not merged.
func (s StatsSnapshot) Add(other StatsSnapshot) StatsSnapshot {
	s.Visited += other.Visited
	s.Downloaded += other.Downloaded
	s.Saved += other.Saved
	s.Errors += other.Errors
	s.CacheHits += other.CacheHits
	return s
}
