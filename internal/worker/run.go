package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/frontier"
	"github.com/JakeFAU/newsfrontier/internal/progress"
)

// run is the shared state of one Pool.Run call. Dispatch decisions are
// serialized by mu so the in-flight count and the stop flags agree.
type run struct {
	pool     *Pool
	rc       crawler.RunContext
	limits   RunLimits
	deadline time.Time

	mu              sync.Mutex
	inflight        int
	stopped         bool
	exhausted       bool
	failErr         error
	completedDetail string
	changed         chan struct{}
}

func (r *run) work(ctx context.Context, id int) error {
	logger := r.pool.logger.With(zap.Int("worker", id))
	for {
		entry, ok := r.next(ctx)
		if !ok {
			return nil
		}
		if occ := r.pool.cfg.Occupancy; occ != nil {
			occ.IncActiveWorkers()
		}
		err := r.process(ctx, entry)
		if occ := r.pool.cfg.Occupancy; occ != nil {
			occ.DecActiveWorkers()
		}
		r.finish()
		if err != nil {
			logger.Error("outcome handler failed", zap.String("url", entry.URL), zap.Error(err))
			r.fail(err)
			return err
		}
	}
}

// next blocks until an entry may be dispatched or the run must stop.
func (r *run) next(ctx context.Context) (crawler.FrontierEntry, bool) {
	q := r.pool.cfg.Queue
	for {
		if pauser := r.pool.cfg.Pauser; pauser != nil {
			if err := pauser.Wait(ctx); err != nil {
				return crawler.FrontierEntry{}, false
			}
		}
		if ctx.Err() != nil {
			return crawler.FrontierEntry{}, false
		}

		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return crawler.FrontierEntry{}, false
		}
		if limit := r.limits.MaxDownloads; limit > 0 {
			downloaded := r.rc.Stats.Downloaded()
			if downloaded >= limit {
				r.stopLocked()
				r.mu.Unlock()
				return crawler.FrontierEntry{}, false
			}
			// Every in-flight fetch may still become a download.
			if downloaded+int64(r.inflight) >= limit {
				wait := r.changed
				r.mu.Unlock()
				r.wait(ctx, wait)
				continue
			}
		}
		if !r.deadline.IsZero() && !r.pool.now().Before(r.deadline) {
			r.completedDetail = "batch duration cap reached"
			r.stopLocked()
			r.mu.Unlock()
			return crawler.FrontierEntry{}, false
		}
		if entry, ok := q.TryDequeue(); ok {
			r.inflight++
			r.mu.Unlock()
			return entry, true
		}
		if r.inflight == 0 {
			// Nothing dispatchable and nothing that could enqueue more.
			if q.Len() == 0 {
				r.exhausted = true
			} else {
				r.completedDetail = "batch budget spent"
			}
			r.stopLocked()
			r.mu.Unlock()
			return crawler.FrontierEntry{}, false
		}
		wait := r.changed
		r.mu.Unlock()
		r.wait(ctx, wait)
	}
}

func (r *run) wait(ctx context.Context, changed <-chan struct{}) {
	timer := time.NewTimer(r.pool.cfg.IdlePoll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-changed:
	case <-r.pool.cfg.Queue.Notify():
	case <-timer.C:
	}
}

// process fetches one entry. The fetch context is detached from abort so a
// started fetch completes, bounded by FetchDeadline.
func (r *run) process(ctx context.Context, entry crawler.FrontierEntry) error {
	cfg := r.pool.cfg
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.FetchDeadline)
	defer cancel()

	outcome := cfg.Fetcher.Fetch(fetchCtx, entry.URL, cfg.Policy)
	r.rc.Stats.RecordOutcome(outcome)

	if cfg.Storage != nil {
		if err := cfg.Storage.RecordOutcome(fetchCtx, outcome); err != nil {
			r.pool.logger.Warn("record outcome failed", zap.String("url", outcome.URL), zap.Error(err))
		} else if outcome.OK() {
			r.rc.Stats.AddSaved(1)
		}
	}
	if outcome.OK() && outcome.SourceMethod != crawler.MethodCache {
		r.publish(fetchCtx, outcome)
	}
	if outcome.OK() && cfg.FollowLinks && (cfg.MaxDepth == 0 || entry.Depth < cfg.MaxDepth) {
		r.follow(entry, outcome)
	}
	if cfg.Handler != nil {
		return cfg.Handler(fetchCtx, entry, outcome)
	}
	return nil
}

// follow enqueues same-host links found in the page.
func (r *run) follow(entry crawler.FrontierEntry, outcome crawler.FetchOutcome) {
	base := outcome.FinalURL
	if base == "" {
		base = outcome.URL
	}
	accepted := 0
	for _, link := range ExtractLinks(outcome.Body, base) {
		if crawler.HostOf(link) != entry.Host {
			continue
		}
		kind := crawler.ClassifyURL(link)
		source := crawler.SourceLink
		if kind == crawler.KindPagination {
			source = crawler.SourceHistorical
		}
		res := r.pool.cfg.Queue.Enqueue(crawler.FrontierEntry{
			URL:      link,
			Host:     entry.Host,
			Depth:    entry.Depth + 1,
			Kind:     kind,
			Priority: linkPriority(entry.Depth+1, kind),
			Source:   source,
		})
		if res.Admission == frontier.Accepted {
			accepted++
		}
	}
	if accepted > 0 {
		r.pool.logger.Debug("links enqueued", zap.String("url", entry.URL), zap.Int("accepted", accepted))
	}
}

// linkPriority orders discovered links: shallower first, articles before
// hubs before pagination.
func linkPriority(depth int, kind crawler.EntryKind) int {
	weight := 9
	switch kind {
	case crawler.KindArticle:
		weight = 0
	case crawler.KindHub:
		weight = 3
	case crawler.KindPagination:
		weight = 6
	}
	return depth*10 + weight
}

func (r *run) publish(ctx context.Context, outcome crawler.FetchOutcome) {
	cfg := r.pool.cfg
	if cfg.Publisher == nil || cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":    r.rc.JobID,
		"url":       outcome.URL,
		"status":    outcome.HTTPStatus,
		"method":    string(outcome.SourceMethod),
		"bytes":     outcome.Bytes,
		"timestamp": outcome.FetchedAt.Format(time.RFC3339),
	}
	if _, err := cfg.Publisher.Publish(ctx, cfg.Topic, payload); err != nil {
		r.pool.logger.Warn("publish page failed", zap.String("url", outcome.URL), zap.Error(err))
	}
}

func (r *run) finish() {
	r.mu.Lock()
	r.inflight--
	r.broadcastLocked()
	r.mu.Unlock()
}

func (r *run) fail(err error) {
	r.mu.Lock()
	if r.failErr == nil {
		r.failErr = err
	}
	r.stopLocked()
	r.mu.Unlock()
}

func (r *run) stopLocked() {
	if r.stopped {
		return
	}
	r.stopped = true
	r.broadcastLocked()
}

func (r *run) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *run) sample(done <-chan struct{}) {
	ticker := time.NewTicker(r.pool.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.sampleOnce()
		}
	}
}

func (r *run) sampleOnce() {
	q := r.pool.cfg.Queue
	pending, held := q.Len(), q.Held()
	r.rc.Stats.SampleQueue(r.pool.now(), pending, held)
	r.mu.Lock()
	inflight := r.inflight
	r.mu.Unlock()
	r.pool.cfg.Reporter.Info(progress.TypeQueueDepth, map[string]any{
		progress.KeyPending: pending,
		progress.KeyHeld:    held,
		"inflight":          inflight,
	})
}
