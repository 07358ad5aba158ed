// Package frontier is the crawl work queue: a priority queue unique by
// normalized URL, split into a newest lane and a historical lane so a batch
// can be balanced between freshness and backfill. Entries for hosts the
// retry coordinator has locked out are held aside and re-admitted when the
// host becomes dispatchable again.
package frontier

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// Admission is the outcome of Enqueue.
type Admission string

// Admission outcomes.
const (
	Accepted Admission = "accepted"
	Deduped  Admission = "deduped"
	Filtered Admission = "filtered"
)

// Result reports what Enqueue did with an entry.
type Result struct {
	Admission Admission
	Reason    string
	// URL is the normalized URL when normalization succeeded.
	URL string
}

// Gate reports whether a host may receive requests.
type Gate interface {
	Dispatchable(host string) bool
}

// Budget bounds how many entries a batch may dispatch. The zero Budget is
// unlimited.
type Budget struct {
	// Total caps all dispatches; zero means no cap.
	Total int
	// Newest and Historical are per-lane quotas. When both are zero lanes
	// are not limited individually.
	Newest     int
	Historical int
	// Spill lets a lane use the other lane's unused quota once the other
	// lane has nothing pending.
	Spill bool
}

func (b Budget) quotas() bool {
	return b.Newest > 0 || b.Historical > 0
}

// Config wires optional collaborators.
type Config struct {
	Filters []Filter
	Gate    Gate
	Clock   crawler.Clock
	Logger  *zap.Logger
}

const (
	laneNewest = iota
	laneHistorical
	laneCount
)

// Frontier is safe for concurrent use. Every dequeue is linearized by one
// mutex, so each entry is delivered to exactly one caller.
type Frontier struct {
	filters []Filter
	gate    Gate
	clock   crawler.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	lanes   [laneCount]*entryHeap
	held    map[string][]*item
	seen    map[string]struct{}
	seq     uint64
	closed  bool
	budget  Budget
	used    [laneCount]int
	notify  chan struct{}
	dropped map[string]int
}

// New creates an empty Frontier.
func New(cfg Config) *Frontier {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Frontier{
		filters: append([]Filter(nil), cfg.Filters...),
		gate:    cfg.Gate,
		clock:   cfg.Clock,
		logger:  logger,
		held:    make(map[string][]*item),
		seen:    make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
		dropped: make(map[string]int),
	}
	for i := range f.lanes {
		f.lanes[i] = &entryHeap{}
		heap.Init(f.lanes[i])
	}
	return f
}

// Enqueue normalizes, filters and deduplicates entry before queuing it.
// Host and Kind are derived from the URL when empty.
func (f *Frontier) Enqueue(entry crawler.FrontierEntry) Result {
	normalized, err := crawler.NormalizeURL(entry.URL)
	if err != nil {
		return f.reject(entry, "invalid-url")
	}
	entry.URL = normalized
	if entry.Host == "" {
		entry.Host = crawler.HostOf(normalized)
	}
	if entry.Kind == "" {
		entry.Kind = crawler.ClassifyURL(normalized)
	}
	if entry.Source == "" {
		entry.Source = crawler.SourceLink
	}
	if entry.DiscoveredAt.IsZero() {
		entry.DiscoveredAt = f.now()
	}
	for _, filter := range f.filters {
		if ok, reason := filter.Admit(entry); !ok {
			return f.reject(entry, reason)
		}
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return Result{Admission: Filtered, Reason: "closed", URL: normalized}
	}
	if _, ok := f.seen[normalized]; ok {
		f.mu.Unlock()
		return Result{Admission: Deduped, URL: normalized}
	}
	f.seen[normalized] = struct{}{}
	f.seq++
	heap.Push(f.lanes[laneOf(entry)], &item{entry: entry, seq: f.seq})
	f.mu.Unlock()

	f.signal()
	return Result{Admission: Accepted, URL: normalized}
}

func (f *Frontier) reject(entry crawler.FrontierEntry, reason string) Result {
	f.mu.Lock()
	f.dropped[reason]++
	f.mu.Unlock()
	f.logger.Debug("frontier entry filtered",
		zap.String("url", entry.URL),
		zap.String("kind", string(entry.Kind)),
		zap.String("reason", reason),
	)
	return Result{Admission: Filtered, Reason: reason, URL: entry.URL}
}

// TryDequeue returns the next dispatchable entry without blocking. It
// reports false when nothing is dispatchable under the current budget.
func (f *Frontier) TryDequeue() (crawler.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return crawler.FrontierEntry{}, false
	}
	f.releaseRecoveredLocked()
	for {
		lane, ok := f.pickLaneLocked()
		if !ok {
			return crawler.FrontierEntry{}, false
		}
		it := heap.Pop(f.lanes[lane]).(*item)
		if f.gate != nil && !f.gate.Dispatchable(it.entry.Host) {
			f.held[it.entry.Host] = append(f.held[it.entry.Host], it)
			continue
		}
		f.used[lane]++
		return it.entry, true
	}
}

// Dequeue blocks until an entry is dispatchable, the frontier is closed
// (crawler.ErrQueueClosed) or ctx is done.
func (f *Frontier) Dequeue(ctx context.Context) (crawler.FrontierEntry, error) {
	for {
		if entry, ok := f.TryDequeue(); ok {
			return entry, nil
		}
		if f.Closed() {
			return crawler.FrontierEntry{}, crawler.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return crawler.FrontierEntry{}, fmt.Errorf("frontier dequeue: %w", ctx.Err())
		case <-f.notify:
		}
	}
}

// Notify returns a channel that receives a value whenever new work may have
// become available.
func (f *Frontier) Notify() <-chan struct{} {
	return f.notify
}

// SetBudget starts a new batch budget and resets its usage counters.
func (f *Frontier) SetBudget(b Budget) {
	f.mu.Lock()
	f.budget = b
	f.used = [laneCount]int{}
	f.mu.Unlock()
	f.signal()
}

// BudgetSpent reports whether the current budget forbids any further
// dispatch regardless of what is pending.
func (f *Frontier) BudgetSpent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.budget
	total := f.used[laneNewest] + f.used[laneHistorical]
	if b.Total > 0 && total >= b.Total {
		return true
	}
	if !b.quotas() {
		return false
	}
	if b.Spill {
		return total >= b.Newest+b.Historical
	}
	return f.used[laneNewest] >= b.Newest && f.used[laneHistorical] >= b.Historical
}

// Dispatched returns how many entries each lane dispatched under the current
// budget.
func (f *Frontier) Dispatched() (newest, historical int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used[laneNewest], f.used[laneHistorical]
}

// Len returns the number of pending entries, excluding held ones.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lanes[laneNewest].Len() + f.lanes[laneHistorical].Len()
}

// LaneLen returns pending counts per lane.
func (f *Frontier) LaneLen() (newest, historical int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lanes[laneNewest].Len(), f.lanes[laneHistorical].Len()
}

// Held returns the number of entries parked for non-dispatchable hosts.
func (f *Frontier) Held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, items := range f.held {
		n += len(items)
	}
	return n
}

// HeldFor returns the URLs held for host in queue order.
func (f *Frontier) HeldFor(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.held[host]))
	for _, it := range f.held[host] {
		out = append(out, it.entry.URL)
	}
	return out
}

// Seen reports whether url (normalized) was ever admitted.
func (f *Frontier) Seen(rawURL string) bool {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[normalized]
	return ok
}

// MarkSeen records URLs as already handled without queuing them, e.g. the
// committed URLs of a resumed run.
func (f *Frontier) MarkSeen(urls ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, raw := range urls {
		if normalized, err := crawler.NormalizeURL(raw); err == nil {
			f.seen[normalized] = struct{}{}
		}
	}
}

// Forget removes urls from the dedup set so they can be admitted again,
// e.g. hub pages revisited for fresh links. URLs still pending or held are
// kept, so the queue never holds two entries for one URL.
func (f *Frontier) Forget(urls ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	queued := make(map[string]struct{})
	for _, lane := range f.lanes {
		for _, it := range *lane {
			queued[it.entry.URL] = struct{}{}
		}
	}
	for _, items := range f.held {
		for _, it := range items {
			queued[it.entry.URL] = struct{}{}
		}
	}
	n := 0
	for _, raw := range urls {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			continue
		}
		if _, ok := queued[normalized]; ok {
			continue
		}
		if _, ok := f.seen[normalized]; ok {
			delete(f.seen, normalized)
			n++
		}
	}
	return n
}

// Filtered returns rejection counts by reason.
func (f *Frontier) Filtered() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.dropped))
	for k, v := range f.dropped {
		out[k] = v
	}
	return out
}

// Reprioritize recomputes the priority of every pending and held entry.
// Entries already dispatched are never touched.
func (f *Frontier) Reprioritize(fn func(crawler.FrontierEntry) int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, lane := range f.lanes {
		for _, it := range *lane {
			it.entry.Priority = fn(it.entry)
		}
		heap.Init(lane)
	}
	for _, items := range f.held {
		for _, it := range items {
			it.entry.Priority = fn(it.entry)
		}
	}
}

// Pending returns a copy of every pending and held entry in dequeue order
// (priority, then discovery sequence).
func (f *Frontier) Pending() []crawler.FrontierEntry {
	f.mu.Lock()
	items := make([]*item, 0, f.lanes[laneNewest].Len()+f.lanes[laneHistorical].Len())
	for _, lane := range f.lanes {
		items = append(items, (*lane)...)
	}
	for _, held := range f.held {
		items = append(items, held...)
	}
	f.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].before(items[j]) })
	out := make([]crawler.FrontierEntry, len(items))
	for i, it := range items {
		out[i] = it.entry
	}
	return out
}

// Restore enqueues checkpointed entries. It returns how many were accepted.
func (f *Frontier) Restore(entries []crawler.FrontierEntry) int {
	n := 0
	for _, e := range entries {
		if f.Enqueue(e).Admission == Accepted {
			n++
		}
	}
	return n
}

// Close stops the frontier. Pending entries are kept for Pending.
func (f *Frontier) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.signal()
}

// Closed reports whether Close was called.
func (f *Frontier) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// releaseRecoveredLocked moves held entries back into their lanes once their
// host is dispatchable. The original sequence is kept, so they resume their
// place in line.
func (f *Frontier) releaseRecoveredLocked() {
	if f.gate == nil || len(f.held) == 0 {
		return
	}
	for host, items := range f.held {
		if !f.gate.Dispatchable(host) {
			continue
		}
		for _, it := range items {
			heap.Push(f.lanes[laneOf(it.entry)], it)
		}
		delete(f.held, host)
	}
}

// pickLaneLocked chooses the lane whose head goes next under the budget.
func (f *Frontier) pickLaneLocked() (int, bool) {
	best := -1
	for lane := range f.lanes {
		if f.lanes[lane].Len() == 0 || !f.allowsLocked(lane) {
			continue
		}
		if best < 0 || (*f.lanes[lane])[0].before((*f.lanes[best])[0]) {
			best = lane
		}
	}
	return best, best >= 0
}

func (f *Frontier) allowsLocked(lane int) bool {
	b := f.budget
	total := f.used[laneNewest] + f.used[laneHistorical]
	if b.Total > 0 && total >= b.Total {
		return false
	}
	if !b.quotas() {
		return true
	}
	quota, other := b.Newest, laneHistorical
	if lane == laneHistorical {
		quota, other = b.Historical, laneNewest
	}
	if f.used[lane] < quota {
		return true
	}
	if !b.Spill || f.lanes[other].Len() > 0 {
		return false
	}
	return total < b.Newest+b.Historical
}

func (f *Frontier) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Frontier) now() time.Time {
	if f.clock != nil {
		return f.clock.Now()
	}
	return time.Now().UTC()
}

func laneOf(entry crawler.FrontierEntry) int {
	if entry.Source.Historical() {
		return laneHistorical
	}
	return laneNewest
}
