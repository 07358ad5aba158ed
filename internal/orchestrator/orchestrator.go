// Package orchestrator drives a long-lived crawl job. It is a finite-state
// machine over the download, analyze, learn, discover and reanalyze phases;
// each phase is a synchronous method that returns the next one. The
// orchestrator never fetches: it sizes and balances batches, hands them to
// the worker pool, feeds fetched pages to the analysis collaborator and
// turns learned page templates into new frontier entries.
//
// A job has no implicit end. It stops when a configured goal
// (maxTotalBatches, maxTotalPages or the global download cap) is reached,
// when startup fails, or when it is aborted. State is checkpointed after
// every batch so an interrupted job resumes without redoing committed work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/checkpoint"
	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/frontier"
	"github.com/JakeFAU/newsfrontier/internal/planner"
	"github.com/JakeFAU/newsfrontier/internal/progress"
	"github.com/JakeFAU/newsfrontier/internal/retry"
	"github.com/JakeFAU/newsfrontier/internal/throttle"
	"github.com/JakeFAU/newsfrontier/internal/worker"
)

const (
	defaultBatchSize  = 1000
	defaultHubRefresh = 15 * time.Minute
	// heldPoll bounds an idle wait while only held entries remain.
	heldPoll = 30 * time.Second

	seedPriority       = 0
	hubPriority        = 10
	reanalysisPriority = 30

	analysisProgressEvery = 25
)

var errNoSeeds = errors.New("no valid seeds")

// Settings are the run knobs of one job.
type Settings struct {
	BatchSize int
	// MaxTotalBatches and MaxTotalPages are the job goals; nil means no goal.
	MaxTotalBatches *int
	MaxTotalPages   *int64
	// MaxDownloads caps network and headless downloads across the job.
	MaxDownloads int64

	HistoricalRatio float64
	Balancing       string

	HubDiscoveryEnabled bool
	HubRefreshInterval  time.Duration

	MinNewSignaturesToLearn       int
	ReanalysisConfidenceThreshold float64
	// BatchDurationCap stops dispatch within a batch; zero is unlimited.
	BatchDurationCap time.Duration
}

// Config wires an Orchestrator.
type Config struct {
	JobID    string
	Seeds    []string
	Settings Settings

	Frontier *frontier.Frontier
	// Worker is completed with the frontier, the pause gate and the
	// orchestrator's outcome handler before the pool is built.
	Worker      worker.Config
	Analyzer    crawler.Analyzer
	Storage     crawler.Storage
	Planner     *planner.Planner
	Cache       crawler.Cache
	Checkpoints checkpoint.Store
	// Throttle and Retry are read for host status only.
	Throttle *throttle.Throttle
	Retry    *retry.Coordinator

	Clock    crawler.Clock
	Sleep    func(ctx context.Context, d time.Duration) error
	Reporter *progress.Reporter
	Logger   *zap.Logger
}

// Orchestrator runs one job. Run may be called once at a time; the control
// methods are safe to call from any goroutine.
type Orchestrator struct {
	cfg     Config
	set     Settings
	pool    *worker.Pool
	gate    *Gate
	refresh cron.Schedule
	logger  *zap.Logger

	mu          sync.Mutex
	phase       crawler.Phase
	batch       int
	totals      crawler.StatsSnapshot
	current     *crawler.RunStats
	balance     *balancer
	ratio       float64
	delta       *deltaTracker
	collected   []crawler.Page
	fresh       []crawler.PatternSignature
	learned     bool
	committed   map[string]struct{}
	hubs        map[string]crawler.FrontierEntry
	reanalyzed  map[string]struct{}
	lastRefresh time.Time
	nextRefresh time.Time
	lastBatch   *crawler.ExitSummary
	exit        *crawler.ExitSummary
	running     bool
	stopped     bool
	cancel      context.CancelFunc
}

type halt struct {
	reason crawler.ExitReason
	detail string
}

// New validates cfg and builds the worker pool.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Frontier == nil {
		return nil, errors.New("orchestrator: frontier is required")
	}
	set := cfg.Settings
	if set.BatchSize <= 0 {
		set.BatchSize = defaultBatchSize
	}
	if set.HubRefreshInterval <= 0 {
		set.HubRefreshInterval = defaultHubRefresh
	}
	if set.MinNewSignaturesToLearn <= 0 {
		set.MinNewSignaturesToLearn = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:        cfg,
		set:        set,
		gate:       NewGate(),
		refresh:    cron.Every(set.HubRefreshInterval),
		logger:     logger.Named("orchestrator"),
		phase:      crawler.PhaseDownload,
		balance:    newBalancer(set.Balancing, set.HistoricalRatio),
		ratio:      set.HistoricalRatio,
		delta:      newDeltaTracker(),
		committed:  make(map[string]struct{}),
		hubs:       make(map[string]crawler.FrontierEntry),
		reanalyzed: make(map[string]struct{}),
	}

	wc := cfg.Worker
	wc.Queue = cfg.Frontier
	wc.Pauser = o.gate
	wc.Handler = o.collect
	if wc.Storage == nil {
		wc.Storage = cfg.Storage
	}
	if wc.Clock == nil {
		wc.Clock = cfg.Clock
	}
	if wc.Reporter == nil {
		wc.Reporter = cfg.Reporter
	}
	if wc.Logger == nil {
		wc.Logger = logger
	}
	pool, err := worker.New(wc)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.pool = pool
	return o, nil
}

// Run drives the job until a goal is met, startup fails or ctx is canceled
// (or Stop is called). It returns the job's single ExitSummary.
func (o *Orchestrator) Run(ctx context.Context) crawler.ExitSummary {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return crawler.ExitSummary{Reason: crawler.ExitFailed, Detail: "job already running", FinishedAt: o.now()}
	}
	o.running = true
	o.exit = nil
	o.cancel = cancel
	if o.stopped {
		cancel()
	}
	o.mu.Unlock()

	o.cfg.Reporter.Info(progress.TypeStart, map[string]any{
		"seeds":     len(o.cfg.Seeds),
		"batchSize": o.set.BatchSize,
		"balancing": o.balance.strategy,
	})
	o.logger.Info("job started",
		zap.String("job_id", o.cfg.JobID),
		zap.Int("seeds", len(o.cfg.Seeds)),
		zap.Int("batch_size", o.set.BatchSize),
	)

	if err := o.prepare(ctx); err != nil {
		return o.finish(halt{reason: crawler.ExitFailed, detail: err.Error()})
	}

	phase := crawler.PhaseDownload
	for {
		if err := o.gate.Wait(ctx); err != nil {
			return o.finish(halt{reason: crawler.ExitAbortRequested, detail: err.Error()})
		}
		if err := ctx.Err(); err != nil {
			return o.finish(halt{reason: crawler.ExitAbortRequested, detail: err.Error()})
		}
		o.enter(phase)
		next, done := o.step(ctx, phase)
		if done != nil {
			return o.finish(*done)
		}
		if next == crawler.PhaseDownload && phase != crawler.PhaseDownload {
			o.saveCheckpoint(ctx)
		}
		phase = next
	}
}

func (o *Orchestrator) step(ctx context.Context, phase crawler.Phase) (crawler.Phase, *halt) {
	switch phase {
	case crawler.PhaseDownload:
		return o.download(ctx)
	case crawler.PhaseAnalyze:
		return o.analyze(ctx)
	case crawler.PhaseLearn:
		return o.learn(), nil
	case crawler.PhaseDiscover:
		return o.discover(ctx), nil
	case crawler.PhaseReanalyze:
		return o.reanalyze(ctx), nil
	default:
		return crawler.PhaseDownload, nil
	}
}

// prepare resumes from a checkpoint when one exists and admits the seeds.
func (o *Orchestrator) prepare(ctx context.Context) error {
	resumed := o.resume(ctx)
	valid := o.seed()
	if valid == 0 && !resumed && o.cfg.Frontier.Len()+o.cfg.Frontier.Held() == 0 {
		return fmt.Errorf("%w: %d configured", errNoSeeds, len(o.cfg.Seeds))
	}
	o.mu.Lock()
	from := o.lastRefresh
	if from.IsZero() {
		from = o.now()
	}
	o.nextRefresh = o.refresh.Next(from)
	o.mu.Unlock()
	return nil
}

// seed admits the configured seeds and returns how many are usable.
func (o *Orchestrator) seed() int {
	now := o.now()
	valid := 0
	for _, raw := range o.cfg.Seeds {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			o.logger.Warn("seed rejected", zap.String("url", raw), zap.Error(err))
			continue
		}
		entry := crawler.FrontierEntry{
			URL:          normalized,
			Host:         crawler.HostOf(normalized),
			Kind:         crawler.ClassifyURL(normalized),
			Priority:     seedPriority,
			DiscoveredAt: now,
			Source:       crawler.SourceSeed,
		}
		res := o.cfg.Frontier.Enqueue(entry)
		if res.Admission == frontier.Filtered {
			o.logger.Warn("seed filtered", zap.String("url", raw), zap.String("reason", res.Reason))
			continue
		}
		valid++
		o.mu.Lock()
		o.hubs[normalized] = entry
		o.mu.Unlock()
	}
	return valid
}

// resume restores the last checkpoint. A checkpoint whose committed list
// does not match its digest is ignored.
func (o *Orchestrator) resume(ctx context.Context) bool {
	if o.cfg.Checkpoints == nil {
		return false
	}
	cp, err := o.cfg.Checkpoints.Load(ctx, o.cfg.JobID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return false
	case err != nil:
		o.logger.Warn("load checkpoint failed", zap.String("job_id", o.cfg.JobID), zap.Error(err))
		return false
	case !cp.Valid():
		o.logger.Warn("checkpoint digest mismatch, starting fresh", zap.String("job_id", o.cfg.JobID))
		return false
	}

	o.cfg.Frontier.MarkSeen(cp.Committed...)
	restored := o.cfg.Frontier.Restore(cp.PendingFrontier)

	o.mu.Lock()
	o.batch = cp.Batch
	o.totals.Visited = cp.TotalPages
	o.totals.Downloaded = cp.TotalDownloads
	o.balance.ratio = cp.HistoricalRatio
	o.ratio = cp.HistoricalRatio
	o.delta.seed(cp.Signatures)
	o.lastRefresh = cp.LastHubRefresh
	for _, u := range cp.Committed {
		o.committed[u] = struct{}{}
		if crawler.ClassifyURL(u) == crawler.KindHub {
			o.hubs[u] = crawler.FrontierEntry{
				URL:      u,
				Host:     crawler.HostOf(u),
				Depth:    1,
				Kind:     crawler.KindHub,
				Priority: hubPriority,
				Source:   crawler.SourceHub,
			}
		}
	}
	o.mu.Unlock()

	o.cfg.Reporter.Trace(progress.Trace{
		Kind:    "resume",
		Message: fmt.Sprintf("resumed after batch %d", cp.Batch),
		Details: map[string]any{
			"committed":  len(cp.Committed),
			"restored":   restored,
			"signatures": len(cp.Signatures),
		},
	})
	o.logger.Info("resumed from checkpoint",
		zap.String("job_id", o.cfg.JobID),
		zap.Int("batch", cp.Batch),
		zap.Int("committed", len(cp.Committed)),
		zap.Int("restored", restored),
	)
	return true
}

func (o *Orchestrator) enter(phase crawler.Phase) {
	o.mu.Lock()
	from := o.phase
	o.phase = phase
	batch := o.batch
	o.mu.Unlock()
	if from == phase {
		return
	}
	o.cfg.Reporter.Info(progress.TypePhaseChanged, map[string]any{
		progress.KeyPhase: string(phase),
		"from":            string(from),
		"batch":           batch,
	})
	o.logger.Debug("phase changed", zap.String("from", string(from)), zap.String("to", string(phase)))
}

// download runs one batch through the worker pool.
func (o *Orchestrator) download(ctx context.Context) (crawler.Phase, *halt) {
	if goal, value, ok := o.goalReached(); ok {
		o.cfg.Reporter.Info(progress.TypeGoalSatisfied, map[string]any{
			"goal":  goal,
			"value": value,
		})
		return "", &halt{reason: crawler.ExitCompleted, detail: fmt.Sprintf("%s reached (%d)", goal, value)}
	}
	remaining := int64(0)
	if o.set.MaxDownloads > 0 {
		o.mu.Lock()
		remaining = o.set.MaxDownloads - o.totals.Downloaded
		o.mu.Unlock()
		if remaining <= 0 {
			return "", &halt{
				reason: crawler.ExitMaxDownloadsReached,
				detail: fmt.Sprintf("downloaded %d of %d", o.set.MaxDownloads-remaining, o.set.MaxDownloads),
			}
		}
	}
	if o.cfg.Frontier.Len()+o.cfg.Frontier.Held() == 0 {
		return o.idle(ctx, 0)
	}

	size := o.batchSize()
	budget, ratio := o.balance.budget(size, o.now())
	if fn := o.balance.reprioritize(); fn != nil {
		o.cfg.Frontier.Reprioritize(fn)
	}
	o.cfg.Frontier.SetBudget(budget)

	stats := crawler.NewRunStats(0)
	o.mu.Lock()
	o.current = stats
	o.ratio = ratio
	next := o.batch + 1
	o.mu.Unlock()

	o.cfg.Reporter.Info(progress.TypeBudgetUpdated, map[string]any{
		"batch":           next,
		"total":           budget.Total,
		"newest":          budget.Newest,
		"historical":      budget.Historical,
		"historicalRatio": ratio,
		"strategy":        o.balance.strategy,
	})

	rc := crawler.RunContext{JobID: o.cfg.JobID, StartedAt: o.now(), Stats: stats}
	summary := o.pool.Run(ctx, rc, worker.RunLimits{
		MaxDownloads: remaining,
		MaxDuration:  o.set.BatchDurationCap,
	})

	o.mu.Lock()
	o.current = nil
	o.totals = o.totals.Add(summary.Stats)
	o.lastBatch = &summary
	o.mu.Unlock()

	if summary.Reason == crawler.ExitAbortRequested {
		return "", &halt{reason: crawler.ExitAbortRequested, detail: summary.Detail}
	}
	if summary.Stats.Visited == 0 {
		// Only held entries were left and none of their hosts recovered.
		return o.idle(ctx, heldPoll)
	}

	_, historical := o.cfg.Frontier.LaneLen()
	o.mu.Lock()
	o.batch = next
	o.balance.observe(historical)
	o.mu.Unlock()

	severity := progress.SeverityInfo
	if summary.Reason == crawler.ExitFailed {
		severity = progress.SeverityWarn
	}
	o.cfg.Reporter.Report(progress.TypeProgress, severity, map[string]any{
		progress.KeyPhase:   string(crawler.PhaseDownload),
		progress.KeyReason:  string(summary.Reason),
		progress.KeyDetail:  summary.Detail,
		"batch":             next,
		"visited":           summary.Stats.Visited,
		"downloaded":        summary.Stats.Downloaded,
		"errors":            summary.Stats.Errors,
		"cacheHits":         summary.Stats.CacheHits,
		progress.KeyPending: o.cfg.Frontier.Len(),
		progress.KeyHeld:    o.cfg.Frontier.Held(),
	})
	o.logger.Info("batch finished",
		zap.Int("batch", next),
		zap.String("reason", string(summary.Reason)),
		zap.Int64("visited", summary.Stats.Visited),
		zap.Int64("downloaded", summary.Stats.Downloaded),
		zap.Int64("errors", summary.Stats.Errors),
	)
	if summary.Reason == crawler.ExitFailed && o.nothingFetched() {
		return "", &halt{reason: crawler.ExitFailed, detail: summary.Detail}
	}
	return crawler.PhaseAnalyze, nil
}

// nothingFetched reports whether the job has yet to produce any content.
func (o *Orchestrator) nothingFetched() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totals.Downloaded == 0 && o.totals.CacheHits == 0
}

// idle waits for the next hub refresh, or at most limit when it is set.
func (o *Orchestrator) idle(ctx context.Context, limit time.Duration) (crawler.Phase, *halt) {
	o.mu.Lock()
	wait := o.nextRefresh.Sub(o.now())
	o.mu.Unlock()
	if limit > 0 && limit < wait {
		wait = limit
	}
	o.logger.Debug("frontier idle", zap.Duration("wait", wait), zap.Int("held", o.cfg.Frontier.Held()))
	if err := o.cfg.Sleep(ctx, wait); err != nil {
		return "", &halt{reason: crawler.ExitAbortRequested, detail: err.Error()}
	}
	if o.refreshDue() {
		return crawler.PhaseDiscover, nil
	}
	return crawler.PhaseDownload, nil
}

// analyze submits the batch's pages to the analysis collaborator.
func (o *Orchestrator) analyze(ctx context.Context) (crawler.Phase, *halt) {
	o.mu.Lock()
	pages := o.collected
	o.collected = nil
	o.fresh = nil
	o.mu.Unlock()
	if len(pages) == 0 || o.cfg.Analyzer == nil {
		return crawler.PhaseLearn, nil
	}

	analyses, signatures, err := o.runAnalysis(ctx, crawler.PhaseAnalyze, pages)
	if err != nil {
		if ctx.Err() != nil {
			return "", &halt{reason: crawler.ExitAbortRequested, detail: ctx.Err().Error()}
		}
		o.logger.Warn("analysis failed", zap.Int("pages", len(pages)), zap.Error(err))
	}
	o.persist(ctx, analyses, signatures)

	o.mu.Lock()
	o.fresh = signatures
	o.mu.Unlock()
	return crawler.PhaseLearn, nil
}

// runAnalysis drains one Analyze call. Partial results are returned with the
// error when the analyzer stops early.
func (o *Orchestrator) runAnalysis(ctx context.Context, phase crawler.Phase, pages []crawler.Page) ([]crawler.PageAnalysis, []crawler.PatternSignature, error) {
	ch, err := o.cfg.Analyzer.Analyze(ctx, pages)
	if err != nil {
		return nil, nil, fmt.Errorf("analyze: %w", err)
	}
	var (
		analyses   []crawler.PageAnalysis
		signatures []crawler.PatternSignature
		runErr     error
	)
	for msg := range ch {
		if msg.Page != nil {
			analyses = append(analyses, *msg.Page)
			if msg.Processed%analysisProgressEvery == 0 || msg.Processed == msg.Total {
				o.cfg.Reporter.Info(progress.TypeProgress, map[string]any{
					progress.KeyPhase: string(phase),
					"processed":       msg.Processed,
					"total":           msg.Total,
				})
			}
		}
		if msg.Done {
			signatures = msg.Signatures
			runErr = msg.Err
		}
	}
	if runErr != nil {
		return analyses, signatures, fmt.Errorf("analyze: %w", runErr)
	}
	return analyses, signatures, nil
}

func (o *Orchestrator) persist(ctx context.Context, analyses []crawler.PageAnalysis, signatures []crawler.PatternSignature) {
	if o.cfg.Storage == nil {
		return
	}
	if len(analyses) > 0 {
		if err := o.cfg.Storage.RecordAnalyses(ctx, analyses); err != nil {
			o.logger.Warn("record analyses failed", zap.Int("count", len(analyses)), zap.Error(err))
		}
	}
	if len(signatures) > 0 {
		if err := o.cfg.Storage.UpsertSignatures(ctx, signatures); err != nil {
			o.logger.Warn("upsert signatures failed", zap.Int("count", len(signatures)), zap.Error(err))
		}
	}
}

// learn decides whether the batch changed what the job knows enough to plan
// new work and revisit weak analyses.
func (o *Orchestrator) learn() crawler.Phase {
	o.mu.Lock()
	fresh := o.fresh
	o.fresh = nil
	drift := o.delta.observe(fresh)
	known := o.delta.len()
	o.learned = drift >= o.set.MinNewSignaturesToLearn
	learned := o.learned
	batch := o.batch
	o.mu.Unlock()

	o.cfg.Reporter.Trace(progress.Trace{
		Kind:    "learn",
		Message: fmt.Sprintf("%d of %d signatures new or changed", drift, len(fresh)),
		Details: map[string]any{
			"batch":     batch,
			"drift":     drift,
			"known":     known,
			"threshold": o.set.MinNewSignaturesToLearn,
			"learned":   learned,
		},
	})
	switch {
	case learned:
		return crawler.PhaseDiscover
	case o.refreshDue():
		return crawler.PhaseDiscover
	default:
		return crawler.PhaseDownload
	}
}

// discover plans new entries from the learned signatures and revisits hubs
// when the refresh is due.
func (o *Orchestrator) discover(ctx context.Context) crawler.Phase {
	o.mu.Lock()
	learned := o.learned
	signatures := o.delta.all()
	batch := o.batch
	o.mu.Unlock()

	if learned && o.set.HubDiscoveryEnabled && o.cfg.Planner != nil {
		entries, err := o.cfg.Planner.PlanBatch(ctx, planner.PlanContext{
			Signatures: signatures,
			Seen:       o.cfg.Frontier.Seen,
			Batch:      batch,
		})
		if err != nil {
			o.logger.Warn("plan batch failed", zap.Int("batch", batch), zap.Error(err))
		}
		accepted := 0
		for _, entry := range entries {
			if o.cfg.Frontier.Enqueue(entry).Admission != frontier.Accepted {
				continue
			}
			accepted++
			if entry.Kind == crawler.KindHub {
				o.mu.Lock()
				o.hubs[entry.URL] = entry
				o.mu.Unlock()
			}
		}
		stats := o.cfg.Planner.LastPlan()
		o.cfg.Reporter.Trace(progress.Trace{
			Kind:    "discover",
			Message: fmt.Sprintf("planned %d entries, %d admitted", len(entries), accepted),
			Details: map[string]any{
				"batch":      batch,
				"candidates": stats.Candidates,
				"skipped":    stats.Skipped,
				"planned":    stats.Planned,
				"admitted":   accepted,
			},
		})
	}
	if o.refreshDue() {
		o.refreshHubs()
	}
	if learned {
		return crawler.PhaseReanalyze
	}
	return crawler.PhaseDownload
}

func (o *Orchestrator) refreshDue() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.nextRefresh.IsZero() && !o.now().Before(o.nextRefresh)
}

// refreshHubs re-admits seeds and, with hub discovery on, learned hubs so
// their newest links are picked up again.
func (o *Orchestrator) refreshHubs() {
	now := o.now()
	o.mu.Lock()
	entries := make([]crawler.FrontierEntry, 0, len(o.hubs))
	for _, e := range o.hubs {
		if e.Source != crawler.SourceSeed && !o.set.HubDiscoveryEnabled {
			continue
		}
		entries = append(entries, e)
	}
	o.lastRefresh = now
	o.nextRefresh = o.refresh.Next(now)
	o.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].URL < entries[j].URL })

	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
	}
	o.cfg.Frontier.Forget(urls...)
	accepted := 0
	for _, e := range entries {
		e.DiscoveredAt = now
		if o.cfg.Frontier.Enqueue(e).Admission == frontier.Accepted {
			accepted++
		}
	}
	o.cfg.Reporter.Trace(progress.Trace{
		Kind:    "hub-refresh",
		Message: fmt.Sprintf("re-admitted %d of %d hubs", accepted, len(entries)),
		Details: map[string]any{"admitted": accepted, "hubs": len(entries)},
	})
	o.logger.Info("hubs refreshed", zap.Int("hubs", len(entries)), zap.Int("admitted", accepted))
}

// reanalyze re-runs analysis on stored low-confidence pages, at most half a
// batch. Pages without a cached body are queued for a fresh fetch.
func (o *Orchestrator) reanalyze(ctx context.Context) crawler.Phase {
	if o.cfg.Storage == nil {
		return crawler.PhaseDownload
	}
	limit := o.set.BatchSize / 2
	if limit < 1 {
		limit = 1
	}
	o.mu.Lock()
	done := len(o.reanalyzed)
	o.mu.Unlock()

	refs, err := o.cfg.Storage.PagesNeedingReanalysis(ctx, o.set.ReanalysisConfidenceThreshold, limit+done)
	if err != nil {
		o.logger.Warn("select pages for reanalysis failed", zap.Error(err))
		return crawler.PhaseDownload
	}

	var (
		pages    []crawler.Page
		refetch  int
		selected int
	)
	now := o.now()
	for _, ref := range refs {
		if selected == limit {
			break
		}
		o.mu.Lock()
		_, seen := o.reanalyzed[ref.URL]
		if !seen {
			o.reanalyzed[ref.URL] = struct{}{}
		}
		o.mu.Unlock()
		if seen {
			continue
		}
		selected++
		if page, ok := o.cachedPage(ctx, ref); ok {
			pages = append(pages, page)
			continue
		}
		o.cfg.Frontier.Forget(ref.URL)
		res := o.cfg.Frontier.Enqueue(crawler.FrontierEntry{
			URL:          ref.URL,
			Host:         ref.Host,
			Kind:         crawler.ClassifyURL(ref.URL),
			Priority:     reanalysisPriority,
			DiscoveredAt: now,
			Source:       crawler.SourceHistorical,
		})
		if res.Admission == frontier.Accepted {
			refetch++
		}
	}
	if selected == 0 {
		return crawler.PhaseDownload
	}

	o.cfg.Reporter.Info(progress.TypeReanalysisTriggered, map[string]any{
		"selected":  selected,
		"cached":    len(pages),
		"refetch":   refetch,
		"threshold": o.set.ReanalysisConfidenceThreshold,
	})
	if len(pages) > 0 && o.cfg.Analyzer != nil {
		analyses, signatures, err := o.runAnalysis(ctx, crawler.PhaseReanalyze, pages)
		if err != nil {
			o.logger.Warn("reanalysis failed", zap.Int("pages", len(pages)), zap.Error(err))
		}
		o.persist(ctx, analyses, signatures)
		o.mu.Lock()
		o.delta.observe(signatures)
		o.mu.Unlock()
	}
	return crawler.PhaseDownload
}

func (o *Orchestrator) cachedPage(ctx context.Context, ref crawler.PageRef) (crawler.Page, bool) {
	if o.cfg.Cache == nil {
		return crawler.Page{}, false
	}
	cached, ok, err := o.cfg.Cache.Get(ctx, ref.URL)
	if err != nil || !ok || len(cached.Body) == 0 {
		return crawler.Page{}, false
	}
	return crawler.Page{
		URL:       ref.URL,
		Host:      ref.Host,
		Kind:      crawler.ClassifyURL(ref.URL),
		Body:      cached.Body,
		FetchedAt: cached.StoredAt,
		Source:    crawler.SourceHistorical,
	}, true
}

// collect is the worker pool's outcome handler.
func (o *Orchestrator) collect(_ context.Context, entry crawler.FrontierEntry, outcome crawler.FetchOutcome) error {
	if o.cfg.Planner != nil {
		o.cfg.Planner.ObserveOutcome(outcome)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed[entry.URL] = struct{}{}
	if outcome.OK() && len(outcome.Body) > 0 {
		o.collected = append(o.collected, crawler.Page{
			URL:       entry.URL,
			Host:      entry.Host,
			Kind:      entry.Kind,
			Body:      outcome.Body,
			FetchedAt: outcome.FetchedAt,
			Source:    entry.Source,
		})
	}
	return nil
}

// saveCheckpoint persists run-resumption state. It runs on the loop
// goroutine before the next download starts.
func (o *Orchestrator) saveCheckpoint(ctx context.Context) {
	if o.cfg.Checkpoints == nil {
		return
	}
	pending := o.cfg.Frontier.Pending()
	o.mu.Lock()
	committed := make([]string, 0, len(o.committed))
	for u := range o.committed {
		committed = append(committed, u)
	}
	sort.Strings(committed)
	cp := checkpoint.Checkpoint{
		JobID:           o.cfg.JobID,
		Batch:           o.batch,
		TotalPages:      o.totals.Visited,
		TotalDownloads:  o.totals.Downloaded,
		Phase:           crawler.PhaseDownload,
		HistoricalRatio: o.balance.ratio,
		Signatures:      o.delta.all(),
		Committed:       committed,
		CommittedDigest: checkpoint.Digest(committed),
		PendingFrontier: pending,
		LastHubRefresh:  o.lastRefresh,
		UpdatedAt:       o.now(),
	}
	o.mu.Unlock()

	if err := o.cfg.Checkpoints.Save(ctx, cp); err != nil {
		o.logger.Warn("save checkpoint failed", zap.Int("batch", cp.Batch), zap.Error(err))
		o.cfg.Reporter.Warn(progress.TypeDegradedMode, map[string]any{
			"component":        "checkpoint",
			"active":           true,
			progress.KeyDetail: err.Error(),
		})
		return
	}
	o.cfg.Reporter.Info(progress.TypeCheckpointSaved, map[string]any{
		"batch":             cp.Batch,
		"committed":         len(cp.Committed),
		progress.KeyPending: len(cp.PendingFrontier),
	})
}

// goalReached reports the first configured goal the job has met.
func (o *Orchestrator) goalReached() (string, int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.set.MaxTotalBatches != nil && o.batch >= *o.set.MaxTotalBatches {
		return "maxTotalBatches", int64(o.batch), true
	}
	if o.set.MaxTotalPages != nil && o.totals.Visited >= *o.set.MaxTotalPages {
		return "maxTotalPages", o.totals.Visited, true
	}
	return "", 0, false
}

// batchSize shrinks the last batch so maxTotalPages is not overshot.
func (o *Orchestrator) batchSize() int {
	size := o.set.BatchSize
	if o.set.MaxTotalPages == nil {
		return size
	}
	o.mu.Lock()
	left := *o.set.MaxTotalPages - o.totals.Visited
	o.mu.Unlock()
	if left < int64(size) {
		size = int(left)
	}
	return size
}

func (o *Orchestrator) finish(e halt) crawler.ExitSummary {
	o.mu.Lock()
	summary := crawler.ExitSummary{
		Reason:     e.reason,
		Stats:      o.totals,
		Detail:     e.detail,
		FinishedAt: o.now(),
	}
	batches := o.batch
	o.exit = &summary
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	o.cfg.Reporter.Info(progress.TypeStop, map[string]any{
		progress.KeyReason: string(summary.Reason),
		progress.KeyDetail: summary.Detail,
		"batches":          batches,
		"visited":          summary.Stats.Visited,
		"downloaded":       summary.Stats.Downloaded,
		"errors":           summary.Stats.Errors,
	})
	o.logger.Info("job finished",
		zap.String("job_id", o.cfg.JobID),
		zap.String("reason", string(summary.Reason)),
		zap.String("detail", summary.Detail),
		zap.Int("batches", batches),
		zap.Int64("downloaded", summary.Stats.Downloaded),
	)
	return summary
}

func (o *Orchestrator) now() time.Time {
	if o.cfg.Clock != nil {
		return o.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("idle wait interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
