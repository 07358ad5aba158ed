// Package worker implements the crawl execution loop: a bounded pool of
// goroutines draining one frontier through the fetch pipeline and deriving
// follow-on entries from fetched pages. A run ends with exactly one
// ExitSummary whose reason follows a fixed precedence.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/frontier"
	"github.com/JakeFAU/newsfrontier/internal/pipeline"
	"github.com/JakeFAU/newsfrontier/internal/progress"
)

const (
	defaultWorkers        = 4
	defaultSampleInterval = time.Second
	defaultIdlePoll       = 250 * time.Millisecond
	defaultFetchDeadline  = 2 * time.Minute
)

// Queue is the frontier surface the pool drains.
type Queue interface {
	Enqueue(entry crawler.FrontierEntry) frontier.Result
	TryDequeue() (crawler.FrontierEntry, bool)
	Notify() <-chan struct{}
	BudgetSpent() bool
	Len() int
	Held() int
}

// Fetcher runs the fetch strategy for one URL. *pipeline.Pipeline satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, policy pipeline.Policy) crawler.FetchOutcome
}

// Pauser blocks while the run is paused.
type Pauser interface {
	Wait(ctx context.Context) error
}

// Occupancy tracks how many workers are busy with an entry.
type Occupancy interface {
	IncActiveWorkers()
	DecActiveWorkers()
}

// OutcomeHandler receives every outcome in completion order for its worker.
// A returned error is fatal to the run.
type OutcomeHandler func(ctx context.Context, entry crawler.FrontierEntry, outcome crawler.FetchOutcome) error

// Config controls Pool behavior.
type Config struct {
	Workers int
	Queue   Queue
	Fetcher Fetcher
	Policy  pipeline.Policy
	// Storage records every outcome; wrap it with storage.BestEffort.
	Storage crawler.Storage
	Handler OutcomeHandler
	// Publisher and Topic announce each downloaded page when both are set.
	Publisher crawler.Publisher
	Topic     string

	// FollowLinks enqueues same-host links of fetched pages up to MaxDepth
	// (zero means unlimited).
	FollowLinks bool
	MaxDepth    int

	// FetchDeadline bounds a fetch that continues after an abort.
	FetchDeadline  time.Duration
	SampleInterval time.Duration
	IdlePoll       time.Duration
	Pauser         Pauser
	Occupancy      Occupancy

	Clock    crawler.Clock
	Reporter *progress.Reporter
	Logger   *zap.Logger
}

// RunLimits bound one Run call.
type RunLimits struct {
	// MaxDownloads caps network and headless downloads; zero is unlimited.
	MaxDownloads int64
	// MaxDuration stops dispatch once elapsed; zero is unlimited.
	MaxDuration time.Duration
}

// Pool executes runs. Runs on one Pool must not overlap.
type Pool struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Pool, error) {
	switch {
	case cfg.Queue == nil:
		return nil, errors.New("worker: queue is required")
	case cfg.Fetcher == nil:
		return nil, errors.New("worker: fetcher is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = defaultIdlePoll
	}
	if cfg.FetchDeadline <= 0 {
		cfg.FetchDeadline = defaultFetchDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, logger: logger.Named("worker")}, nil
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.cfg.Workers
}

// Run drains the queue until nothing is dispatchable, the batch budget is
// spent, the download cap is hit, a handler fails or ctx is canceled. A
// queue whose only remaining entries are held for locked-out hosts is not
// exhausted; the run then ends as completed.
// Cancellation stops new dispatch; fetches already started run to
// completion under FetchDeadline. rc.Stats receives the counters.
func (p *Pool) Run(ctx context.Context, rc crawler.RunContext, limits RunLimits) crawler.ExitSummary {
	if rc.Stats == nil {
		rc.Stats = crawler.NewRunStats(0)
	}
	r := &run{
		pool:    p,
		rc:      rc,
		limits:  limits,
		changed: make(chan struct{}),
	}
	if limits.MaxDuration > 0 {
		r.deadline = p.now().Add(limits.MaxDuration)
	}

	p.cfg.Reporter.Info(progress.TypeWorkerScaled, map[string]any{
		progress.KeyWorkers: p.cfg.Workers,
		"maxDownloads":      limits.MaxDownloads,
	})
	p.logger.Info("worker pool started",
		zap.String("job_id", rc.JobID),
		zap.Int("workers", p.cfg.Workers),
		zap.Int64("max_downloads", limits.MaxDownloads),
	)

	sampleDone := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		r.sample(sampleDone)
	}()

	var g errgroup.Group
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return r.work(ctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		r.fail(err)
	}
	close(sampleDone)
	sampler.Wait()
	r.sampleOnce()

	summary := r.summary(ctx)
	p.logger.Info("worker pool finished",
		zap.String("job_id", rc.JobID),
		zap.String("reason", string(summary.Reason)),
		zap.Int64("visited", summary.Stats.Visited),
		zap.Int64("downloaded", summary.Stats.Downloaded),
		zap.Int64("errors", summary.Stats.Errors),
	)
	return summary
}

func (p *Pool) now() time.Time {
	if p.cfg.Clock != nil {
		return p.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

// ExitCode maps an exit reason to the process exit status.
func ExitCode(reason crawler.ExitReason) int {
	switch {
	case reason.Success():
		return 0
	case reason == crawler.ExitAbortRequested:
		return 2
	default:
		return 1
	}
}

func (r *run) summary(ctx context.Context) crawler.ExitSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	downloaded := r.rc.Stats.Downloaded()
	s := crawler.ExitSummary{
		Stats:      r.rc.Stats.Snapshot(),
		FinishedAt: r.pool.now(),
	}
	switch {
	case ctx.Err() != nil:
		s.Reason = crawler.ExitAbortRequested
		s.Detail = ctx.Err().Error()
	case r.limits.MaxDownloads > 0 && downloaded >= r.limits.MaxDownloads:
		s.Reason = crawler.ExitMaxDownloadsReached
		s.Detail = fmt.Sprintf("downloaded %d of %d", downloaded, r.limits.MaxDownloads)
	case r.failErr != nil:
		s.Reason = crawler.ExitFailed
		s.Detail = r.failErr.Error()
	case downloaded == 0 && s.Stats.Errors > 0 && s.Stats.Errors == s.Stats.Visited:
		s.Reason = crawler.ExitFailed
		s.Detail = fmt.Sprintf("all %d fetches failed", s.Stats.Errors)
	case r.exhausted && r.pool.cfg.Queue.Held() == 0:
		s.Reason = crawler.ExitQueueExhausted
	default:
		s.Reason = crawler.ExitCompleted
		s.Detail = r.completedDetail
		if held := r.pool.cfg.Queue.Held(); held > 0 {
			s.Detail = fmt.Sprintf("%d entries held for locked-out hosts", held)
		}
	}
	return s
}
